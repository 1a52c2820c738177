package h2mux

import (
	"fmt"
	"log"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jasnell/http2-1/internal/engine"
	"github.com/jasnell/http2-1/internal/pool"
)

// Session coordinates one connection: it owns the protocol-engine handle,
// the stream registry, the per-connection object pools, and the periodic
// send-flush cycle. A session is confined to its connection's event loop;
// none of its methods are safe for concurrent use.
type Session struct {
	role      Role
	cfg       Config
	events    Events
	transport Transport
	engine    *engine.Engine
	logger    *log.Logger

	streams map[int32]*Stream
	tick    TickHandle

	streamPool  *pool.Freelist[*Stream]
	chunkPool   *pool.Freelist[*dataChunk]
	headerPool  *pool.Freelist[*headerEntry]
	requestPool *pool.Freelist[*writeRequest]

	// Scratch for assembling one DATA frame's aggregate payload.
	aggregate []byte

	// Server sessions consume the client connection preface before frames;
	// client sessions emit it ahead of the first flush.
	prefaceIn  []byte
	prefaceOut []byte

	closed bool
}

// NewSession constructs a session for one connection. The engine is bound to
// the session as its event-dispatch target and a recurring flush tick is
// registered with the transport. The session immediately queues its opening
// SETTINGS frame; the first flush puts it on the wire.
func NewSession(transport Transport, events Events, role Role, cfg Config) (*Session, error) {
	if transport == nil || events == nil {
		return nil, fmt.Errorf("h2mux: nil transport or events")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		role:      role,
		cfg:       cfg,
		events:    events,
		transport: transport,
		logger:    cfg.Logger,
		streams:   make(map[int32]*Stream),
	}
	s.streamPool = pool.New(cfg.StreamPoolCapacity, func() *Stream { return &Stream{} })
	s.chunkPool = pool.New(cfg.ChunkPoolCapacity, func() *dataChunk { return &dataChunk{} })
	s.headerPool = pool.New(cfg.HeaderPoolCapacity, func() *headerEntry { return &headerEntry{} })
	s.requestPool = pool.New(cfg.RequestPoolCapacity, func() *writeRequest { return &writeRequest{} })

	engRole := engine.RoleServer
	if role == RoleClient {
		engRole = engine.RoleClient
	}
	eng, err := engine.New(engRole, s, engine.Options{
		MaxReadFrameSize:   cfg.MaxFrameSize,
		InitialWindowSize:  cfg.InitialWindowSize,
		HasPaddingCallback: cfg.PaddingCallback,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng

	switch role {
	case RoleServer:
		s.prefaceIn = []byte(http2.ClientPreface)
	case RoleClient:
		s.prefaceOut = []byte(http2.ClientPreface)
	}

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: cfg.InitialWindowSize},
	}
	if err := s.engine.SubmitSettings(settings); err != nil {
		return nil, err
	}

	s.tick = transport.RegisterTick(s.SendPendingData)
	return s, nil
}

// Role returns which side of the connection the session speaks for.
func (s *Session) Role() Role { return s.role }

// FindStream returns the live stream for id, or nil.
func (s *Session) FindStream(id int32) *Stream {
	return s.streams[id]
}

func (s *Session) addStream(st *Stream) {
	s.streams[st.id] = st
}

func (s *Session) removeStream(id int32) {
	delete(s.streams, id)
}

// createStream acquires a stream from the pool, reinitializes it for id,
// and registers it.
func (s *Session) createStream(id int32, category HeadersCategory) *Stream {
	st := s.streamPool.Pop()
	st.reinit(s, id, category)
	s.addStream(st)
	streamsActive.Inc()
	streamsTotal.Inc()
	return st
}

// Write feeds inbound transport bytes to the protocol engine, driving the
// full callback cascade before returning. The consumed count covers fully
// processed bytes across all buffers; on error, frames already processed
// remain applied. A successful parse triggers an immediate flush, since the
// engine may have queued synchronous replies.
func (s *Session) Write(bufs ...[]byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	total := 0
	for _, buf := range bufs {
		if len(s.prefaceIn) > 0 {
			n := len(buf)
			if n > len(s.prefaceIn) {
				n = len(s.prefaceIn)
			}
			for i := 0; i < n; i++ {
				if buf[i] != s.prefaceIn[i] {
					return total, &ProtocolError{Code: http2.ErrCodeProtocol, Reason: "bad connection preface"}
				}
			}
			s.prefaceIn = s.prefaceIn[n:]
			total += n
			buf = buf[n:]
			if len(buf) == 0 {
				continue
			}
		}
		n, err := s.engine.Feed(buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	s.SendPendingData()
	return total, nil
}

// SendPendingData drains serialized bytes from the engine through
// fixed-capacity transport buffers: a pulled chunk is split across buffer
// boundaries as needed, each buffer is handed off exactly when it fills,
// and the final partial buffer is flushed once the engine is drained.
func (s *Session) SendPendingData() {
	if s.closed {
		return
	}
	var buf []byte
	offset := 0
	flush := func() {
		s.transport.Send(buf, offset)
		bytesSent.Add(float64(offset))
		sendFlushes.Inc()
		buf = nil
		offset = 0
	}
	fill := func(chunk []byte) {
		for len(chunk) > 0 {
			if buf == nil {
				buf = s.transport.AllocateSendBuffer(s.cfg.SendBufferSize)
			}
			n := copy(buf[offset:], chunk)
			offset += n
			chunk = chunk[n:]
			if offset == len(buf) {
				flush()
			}
		}
	}

	if len(s.prefaceOut) > 0 {
		fill(s.prefaceOut)
		s.prefaceOut = nil
	}
	for {
		chunk := s.engine.Pull()
		if chunk == nil {
			break
		}
		fill(chunk)
	}
	if buf != nil && offset > 0 {
		flush()
	}
}

// SubmitRequest opens a locally initiated stream with the given headers and
// returns its Stream. With emptyPayload set the request carries no body.
func (s *Session) SubmitRequest(pri http2.PriorityParam, fields []hpack.HeaderField, emptyPayload bool) (*Stream, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	id, err := s.engine.SubmitRequest(pri, fields, !emptyPayload)
	if err != nil {
		return nil, err
	}
	st := s.createStream(id, CategoryRequest)
	if emptyPayload {
		st.flags |= flagShut
	}
	return st, nil
}

// SubmitSettings sends a SETTINGS frame with the given entries.
func (s *Session) SubmitSettings(settings []http2.Setting) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.engine.SubmitSettings(settings)
}

// SubmitShutdownNotice announces a graceful shutdown, letting in-flight
// streams finish.
func (s *Session) SubmitShutdownNotice() {
	if s.closed {
		return
	}
	s.engine.SubmitShutdownNotice()
}

// Close tears the session down: the flush tick is cancelled first so it can
// never fire against partially released state, remaining streams are
// destroyed, then the engine handle is terminated and released. The owner
// is notified through OnSessionFreed. Idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	for _, st := range s.streams {
		st.Destroy()
	}
	s.engine.Terminate(http2.ErrCodeNo)
	s.engine.Free()
	s.closed = true
	s.events.OnSessionFreed()
}

// OnBeginHeaders implements engine.Handler. An unknown id means a new
// remote-initiated exchange; a known id starts a new block (e.g. trailers)
// on the existing stream.
func (s *Session) OnBeginHeaders(id int32, category HeadersCategory) {
	st := s.streams[id]
	if st == nil {
		s.createStream(id, category)
		return
	}
	st.startHeaders(category)
}

// OnHeader implements engine.Handler, capturing one pair. Each handle is
// referenced once here and released once when the block drains.
func (s *Session) OnHeader(id int32, name, value *engine.RcBuf) {
	st := s.streams[id]
	if st == nil {
		return
	}
	name.Incref()
	value.Incref()
	h := s.headerPool.Pop()
	h.name = name
	h.value = value
	st.headers.Add(h)
}

// OnFrameReceived implements engine.Handler, dispatching by frame type.
func (s *Session) OnFrameReceived(info engine.FrameInfo) {
	framesReceived.WithLabelValues(info.Type.String()).Inc()
	switch info.Type {
	case http2.FrameData:
		s.handleDataFrame(info)
	case http2.FrameHeaders, http2.FramePushPromise:
		s.handleHeadersFrame(info)
	case http2.FramePriority:
		s.handlePriorityFrame(info)
	case http2.FrameSettings:
		s.events.OnSettings()
	}
}

// handleDataFrame delivers a completed DATA frame's chunks as one
// aggregate. The engine reporting a frame for an unregistered stream means
// the registry and engine have desynchronized; continuing would corrupt
// delivery, so it aborts.
func (s *Session) handleDataFrame(info engine.FrameInfo) {
	st := s.streams[info.StreamID]
	if st == nil {
		panic(fmt.Sprintf("h2mux: DATA frame complete for unregistered stream %d", info.StreamID))
	}
	if info.Flags&http2.FlagDataEndStream != 0 {
		st.flags |= flagRemoteEnded
	}
	if st.chunks.Length() == 0 {
		return
	}
	s.aggregate = s.aggregate[:0]
	for st.chunks.Length() > 0 {
		c := st.chunks.Remove().(*dataChunk)
		s.aggregate = append(s.aggregate, c.buf...)
		c.buf = c.buf[:0]
		s.chunkPool.Push(c)
	}
	dataBytesReceived.Add(float64(len(s.aggregate)))
	s.events.OnData(st, s.aggregate)
}

// handleHeadersFrame drains the stream's accumulated pairs into one
// delivery, releasing each handle and entry afterwards. The header sequence
// is empty again when this returns.
func (s *Session) handleHeadersFrame(info engine.FrameInfo) {
	st := s.streams[info.StreamID]
	if st == nil {
		panic(fmt.Sprintf("h2mux: %s frame complete for unregistered stream %d", info.Type, info.StreamID))
	}
	if info.Type == http2.FrameHeaders && info.Flags&http2.FlagHeadersEndStream != 0 {
		st.flags |= flagRemoteEnded
	}
	fields := make([]hpack.HeaderField, 0, st.headers.Length())
	for st.headers.Length() > 0 {
		h := st.headers.Remove().(*headerEntry)
		fields = append(fields, hpack.HeaderField{Name: h.name.String(), Value: h.value.String()})
		h.value.Decref()
		h.name.Decref()
		h.name, h.value = nil, nil
		s.headerPool.Push(h)
	}
	s.events.OnHeaders(st, fields, st.category, info.Flags)
}

func (s *Session) handlePriorityFrame(info engine.FrameInfo) {
	if info.StreamID <= 0 {
		return
	}
	pri := info.Priority
	s.events.OnPriority(info.StreamID, int32(pri.StreamDep), pri.Weight, pri.Exclusive)
}

// OnStreamClose implements engine.Handler: the consumer hears about the
// closure first, then the stream is destroyed and recycled.
func (s *Session) OnStreamClose(id int32, code http2.ErrCode) {
	st := s.streams[id]
	if st == nil {
		return
	}
	s.events.OnStreamClose(st, code)
	st.Destroy()
}

// OnDataChunk implements engine.Handler. The engine's buffer is invalidated
// when this returns, so the payload is copied into a pooled chunk.
func (s *Session) OnDataChunk(id int32, data []byte) {
	st := s.streams[id]
	if st == nil {
		return
	}
	c := s.chunkPool.Pop()
	c.buf = append(c.buf[:0], data...)
	st.chunks.Add(c)
}

// OnStreamRead implements engine.Handler, draining the stream's write queue.
func (s *Session) OnStreamRead(id int32, p []byte) (int, engine.DataStatus) {
	st := s.streams[id]
	if st == nil {
		return 0, engine.DataEOF
	}
	return st.fillOutbound(p)
}

// SelectPadding implements engine.Handler.
func (s *Session) SelectPadding(frameLen, maxPayload int) int {
	if !s.cfg.PaddingCallback {
		return frameLen
	}
	return s.events.OnSelectPadding(frameLen, maxPayload)
}
