// Package transport hosts multiplexing sessions over gnet's event-driven
// connection model. Each accepted connection owns one session; inbound bytes
// flow into Session.Write on the event loop and flushed buffers leave via
// non-blocking async writes.
package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/jasnell/http2-1/pkg/h2mux"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
// Keep false for production runs to avoid performance overhead.
const verboseLogging = false

// SessionHandler is the per-connection application sink. BindSession is
// called once, before any event fires, so the handler can invoke submit
// operations from its callbacks.
type SessionHandler interface {
	h2mux.Events
	BindSession(s *h2mux.Session)
}

// Config defines the configuration options for the session host.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	TickInterval time.Duration
	Logger       *log.Logger
	Mux          h2mux.Config
}

// Server implements the gnet.EventHandler interface, managing one session
// per accepted connection.
type Server struct {
	gnet.BuiltinEventEngine
	newHandler   func() SessionHandler
	addr         string
	multicore    bool
	numEventLoop int
	reusePort    bool
	tickInterval time.Duration
	logger       *log.Logger
	muxConfig    h2mux.Config
	engine       gnet.Engine

	activeConns   []gnet.Conn
	activeConnsMu sync.Mutex

	// Async writes handed to gnet but not yet completed, across all conns.
	inflightWrites atomic.Int64
}

// sendBufPool recycles transport send buffers across connections. Buffers
// return to the pool once their async write completes.
var sendBufPool = sync.Pool{New: func() any {
	b := make([]byte, 65536)
	return &b
}}

// NewServer creates a session host. newHandler is invoked once per accepted
// connection to build that connection's application sink.
func NewServer(newHandler func() SessionHandler, config Config) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Millisecond
	}
	return &Server{
		newHandler:   newHandler,
		addr:         config.Addr,
		multicore:    config.Multicore,
		numEventLoop: config.NumEventLoop,
		reusePort:    config.ReusePort,
		tickInterval: config.TickInterval,
		logger:       config.Logger,
		muxConfig:    config.Mux,
	}
}

// Start runs the gnet event loop until the server is stopped.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTicker(true),
	}
	if s.numEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
	}
	s.logger.Printf("Starting HTTP/2 mux server on %s", s.addr)
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Stop gracefully stops the server: every live session announces shutdown,
// queued flushes drain to the sockets, then connections close and the gnet
// engine stops.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Initiating graceful shutdown...")

	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	var notified sync.WaitGroup
	for _, c := range conns {
		notified.Add(1)
		err := c.Wake(func(c gnet.Conn, _ error) error {
			defer notified.Done()
			if cc, ok := c.Context().(*connContext); ok {
				cc.session.SubmitShutdownNotice()
				cc.session.SendPendingData()
			}
			return nil
		})
		if err != nil {
			notified.Done()
		}
	}
	waitWithContext(ctx, notified.Wait)

	// The GOAWAY flushes are async writes; wait for their completions
	// before forcing connections shut.
	waitForDrain(ctx, &s.inflightWrites)
	for _, c := range conns {
		_ = c.Close()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
	}
	s.logger.Println("Server shutdown complete")
	return nil
}

// waitWithContext runs wait in the background and returns when it finishes
// or the context expires.
func waitWithContext(ctx context.Context, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// waitForDrain blocks until every in-flight async write has completed or the
// context expires.
func waitForDrain(ctx context.Context, pending *atomic.Int64) {
	for pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// connContext is the per-connection state stored via gnet.Conn.SetContext.
type connContext struct {
	session   *h2mux.Session
	transport *connTransport
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("Session host is listening on %s (multicore: %v)", s.addr, s.multicore)
	return gnet.None
}

// OnOpen builds the connection's session and registers it for tick flushes.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	ct := &connTransport{conn: c, logger: s.logger, inflight: &s.inflightWrites}
	handler := s.newHandler()
	session, err := h2mux.NewSession(ct, handler, h2mux.RoleServer, s.muxConfig)
	if err != nil {
		s.logger.Printf("Failed to create session for %s: %v", c.RemoteAddr(), err)
		return nil, gnet.Close
	}
	handler.BindSession(session)
	c.SetContext(&connContext{session: session, transport: ct})

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()

	if verboseLogging {
		s.logger.Printf("New connection from %s", c.RemoteAddr())
	}
	return nil, gnet.None
}

// OnClose tears down the connection's session.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if cc, ok := c.Context().(*connContext); ok {
		cc.session.Close()
	}

	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	if err != nil && verboseLogging {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic feeds inbound bytes to the connection's session. A wake with no
// pending bytes runs the session's flush tick instead.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	cc, ok := c.Context().(*connContext)
	if !ok {
		s.logger.Printf("Connection context not found")
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}
	if len(buf) == 0 {
		cc.transport.fireTick()
		return gnet.None
	}

	if _, err := cc.session.Write(buf); err != nil {
		s.logger.Printf("Error handling data from %s: %v", c.RemoteAddr(), err)
		// The GOAWAY the engine queued for the violation still needs to
		// reach the peer before the connection drops.
		cc.session.SendPendingData()
		return gnet.Close
	}
	return gnet.None
}

// OnTick wakes every tracked connection so its flush tick runs on the
// owning event loop rather than the ticker goroutine.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		_ = c.Wake(nil)
	}
	return s.tickInterval, gnet.None
}

// connTransport adapts one gnet.Conn to the session's transport interface.
type connTransport struct {
	conn        gnet.Conn
	logger      *log.Logger
	inflight    *atomic.Int64
	tickFn      func()
	tickStopped bool
}

// AllocateSendBuffer returns a pooled buffer of at least sizeHint bytes.
func (t *connTransport) AllocateSendBuffer(sizeHint int) []byte {
	p := sendBufPool.Get().(*[]byte)
	if cap(*p) < sizeHint {
		*p = make([]byte, sizeHint)
	}
	return (*p)[:sizeHint]
}

// Send hands the buffer to gnet for asynchronous transmission. The buffer
// returns to the pool once the write completes.
func (t *connTransport) Send(buf []byte, n int) {
	full := buf[:cap(buf)]
	t.inflight.Add(1)
	err := t.conn.AsyncWrite(buf[:n], func(_ gnet.Conn, err error) error {
		t.inflight.Add(-1)
		sendBufPool.Put(&full)
		if err != nil && verboseLogging {
			t.logger.Printf("AsyncWrite callback error: %v", err)
		}
		return nil
	})
	if err != nil {
		t.inflight.Add(-1)
		sendBufPool.Put(&full)
		if verboseLogging {
			t.logger.Printf("AsyncWrite error: %v", err)
		}
	}
}

// RegisterTick records the session's flush callback; the server's ticker
// wakes the connection to fire it on the event loop.
func (t *connTransport) RegisterTick(fn func()) h2mux.TickHandle {
	t.tickFn = fn
	return (*transportTick)(t)
}

func (t *connTransport) fireTick() {
	if t.tickFn != nil && !t.tickStopped {
		t.tickFn()
	}
}

type transportTick connTransport

func (h *transportTick) Stop() { h.tickStopped = true }
