// Package main runs an HTTP/2 echo server on the multiplexing core: request
// bodies stream back to the client as they arrive, and bodyless requests get
// their path echoed instead.
package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jasnell/http2-1/internal/date"
	"github.com/jasnell/http2-1/internal/transport"
	"github.com/jasnell/http2-1/pkg/h2mux"
)

func main() {
	stopDate := date.StartTicker()
	defer stopDate()

	addr := os.Getenv("H2ECHO_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	muxConfig := h2mux.DefaultConfig()
	minimal := os.Getenv("H2ECHO_MINIMAL") == "1"
	if !minimal {
		muxConfig.Logger = log.New(os.Stderr, "h2mux ", log.LstdFlags)
	}

	config := transport.Config{
		Addr:         addr,
		Multicore:    true,
		ReusePort:    true,
		TickInterval: time.Millisecond,
		Logger:       log.Default(),
		Mux:          muxConfig,
	}
	if minimal {
		config.Logger = log.New(io.Discard, "", 0)
		cpus := runtime.GOMAXPROCS(0)
		if cpus > 2 {
			config.NumEventLoop = cpus - 1
		}
	}

	server := transport.NewServer(func() transport.SessionHandler {
		return &echoHandler{paths: make(map[int32]string)}
	}, config)

	// Expose the h2mux_* metrics alongside the echo listener.
	if metricsAddr := os.Getenv("H2ECHO_METRICS_ADDR"); metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("Metrics listener error: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("Starting echo server on %s", addr)
		if err := server.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// echoHandler echoes each request on its own stream. It lives on one
// connection's event loop, so no locking is needed.
type echoHandler struct {
	session *h2mux.Session
	paths   map[int32]string
}

func (h *echoHandler) BindSession(s *h2mux.Session) { h.session = s }

func (h *echoHandler) OnHeaders(st *h2mux.Stream, fields []hpack.HeaderField, category h2mux.HeadersCategory, flags http2.Flags) {
	if category != h2mux.CategoryRequest {
		return
	}
	for _, f := range fields {
		if f.Name == ":path" {
			h.paths[st.ID()] = f.Value
		}
	}
	resp := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain; charset=utf-8"},
		{Name: "date", Value: date.Current()},
	}
	if err := st.SubmitResponse(resp, false); err != nil {
		log.Printf("Response rejected on stream %d: %v", st.ID(), err)
		return
	}
	if st.IsRemoteEnded() {
		// No body coming; echo the path instead.
		st.Write([][]byte{[]byte(h.paths[st.ID()])}, nil)
		st.Shutdown()
	}
}

func (h *echoHandler) OnData(st *h2mux.Stream, data []byte) {
	// The aggregate is only valid during the callback; the write queue
	// references bytes until pulled.
	echo := make([]byte, len(data))
	copy(echo, data)
	st.Write([][]byte{echo}, nil)
	if st.IsRemoteEnded() {
		st.Shutdown()
	}
}

func (h *echoHandler) OnStreamClose(st *h2mux.Stream, code http2.ErrCode) {
	delete(h.paths, st.ID())
}

func (h *echoHandler) OnSettings() {}

func (h *echoHandler) OnPriority(streamID, dependencyID int32, weight uint8, exclusive bool) {}

func (h *echoHandler) OnTrailers(st *h2mux.Stream) []hpack.HeaderField { return nil }

func (h *echoHandler) OnSelectPadding(frameLen, maxPayload int) int { return frameLen }

func (h *echoHandler) OnSessionFreed() {}
