// Package engine implements the HTTP/2 protocol engine the multiplexing core
// sits on: frame parsing and serialization over golang.org/x/net/http2 with
// HPACK header compression. The engine owns all wire-level concerns (frame
// validation, SETTINGS/PING acknowledgement, CONTINUATION reassembly, window
// accounting) and reports protocol events to a Handler synchronously during
// Feed and Pull.
package engine

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sort"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Role identifies which side of the connection the engine speaks for.
type Role int

// Connection roles.
const (
	RoleServer Role = iota
	RoleClient
)

// HeadersCategory classifies a header block the way nghttp2 does: the same
// callback sequence serves requests, responses, push responses, and
// trailing/informational blocks.
type HeadersCategory uint8

// Header block categories.
const (
	CategoryRequest HeadersCategory = iota
	CategoryResponse
	CategoryPushResponse
	CategoryHeaders
)

// DataStatus is returned by Handler.OnStreamRead to steer data production.
type DataStatus int

const (
	// DataAvailable reports that bytes were produced and more may follow.
	DataAvailable DataStatus = iota
	// DataDeferred reports that no bytes are available yet; the engine
	// suspends pulls for the stream until ResumeData is called.
	DataDeferred
	// DataEOF reports that the source is exhausted and the stream should be
	// closed locally, after an optional trailer block.
	DataEOF
)

// FrameInfo describes a fully processed inbound frame.
type FrameInfo struct {
	Type     http2.FrameType
	StreamID int32
	Flags    http2.Flags
	Length   uint32
	// Priority carries the dependency parameters of a PRIORITY frame.
	Priority http2.PriorityParam
}

// Handler receives protocol events. All callbacks fire synchronously inside
// Feed or Pull; the engine is single-threaded per connection.
type Handler interface {
	// OnBeginHeaders fires when a new header block starts for the stream.
	OnBeginHeaders(streamID int32, category HeadersCategory)
	// OnHeader fires once per name/value pair. The handles reference
	// engine-owned storage; capture beyond the callback requires Incref.
	OnHeader(streamID int32, name, value *RcBuf)
	// OnFrameReceived fires when a frame has been completely processed.
	OnFrameReceived(info FrameInfo)
	// OnStreamClose fires when a stream is fully closed.
	OnStreamClose(streamID int32, code http2.ErrCode)
	// OnDataChunk fires for each piece of DATA payload. The slice is only
	// valid until the callback returns; the handler must copy.
	OnDataChunk(streamID int32, data []byte)
	// OnStreamRead fills p with outbound payload for the stream.
	OnStreamRead(streamID int32, p []byte) (int, DataStatus)
	// SelectPadding chooses the total frame length, padding included.
	// Queried only when Options.HasPaddingCallback is set.
	SelectPadding(frameLen, maxPayload int) int
}

// ProtocolError reports a connection-fatal protocol violation.
type ProtocolError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http2: protocol error: %s (%s)", e.Reason, e.Code)
}

// Options configure engine construction.
type Options struct {
	// MaxReadFrameSize bounds accepted inbound frames. Zero means 1 MiB.
	MaxReadFrameSize uint32
	// InitialWindowSize is the per-stream receive window the engine
	// maintains. Zero means the RFC 7540 default of 65535.
	InitialWindowSize uint32
	// HasPaddingCallback installs the SelectPadding query for DATA frames.
	HasPaddingCallback bool
	// InternCapacity bounds the recycled header-handle freelist.
	InternCapacity int
	Logger         *log.Logger
}

const (
	defaultWindowSize      = 65535
	defaultMaxFrameSize    = 16384
	defaultMaxReadFrame    = 1 << 20
	defaultHeaderTableSize = 4096
	defaultInternCapacity  = 1024

	// maxPullChunk bounds a single Pull result so callers exercise their
	// buffer-splitting path the way nghttp2's mem_send does.
	maxPullChunk = 32768
)

type streamState struct {
	id           int32
	sendWindow   int32
	localWindow  int32
	windowBase   int32
	recvDebt     int32
	provider     bool
	deferred     bool
	sawHeaders   bool
	pushed       bool
	trailers     []byte
	remoteClosed bool
	localClosed  bool
	closed       bool
}

type closeEvent struct {
	id   int32
	code http2.ErrCode
}

// Engine is the per-connection protocol engine handle. It is exclusively
// owned by one Session and must never be shared across connections.
type Engine struct {
	role    Role
	handler Handler
	opts    Options
	logger  *log.Logger

	framer   *http2.Framer
	inBuf    bytes.Buffer
	outBuf   bytes.Buffer
	hpackDec *hpack.Decoder
	hpackEnc *hpack.Encoder
	encBuf   bytes.Buffer
	scratch  []byte

	names   *internTable
	streams map[int32]*streamState

	nextLocalID       int32
	peerMaxFrame      uint32
	sendWindow        int32
	peerInitialWindow int32
	connRecvDebt      int32
	lastRemoteID      int32

	pendingClose []closeEvent
	terminated   bool
	freed        bool
}

// New constructs an engine bound to handler as its event-dispatch target.
func New(role Role, handler Handler, opts Options) (*Engine, error) {
	if handler == nil {
		return nil, fmt.Errorf("engine: nil handler")
	}
	if opts.MaxReadFrameSize == 0 {
		opts.MaxReadFrameSize = defaultMaxReadFrame
	}
	if opts.InitialWindowSize == 0 {
		opts.InitialWindowSize = defaultWindowSize
	}
	if opts.InternCapacity == 0 {
		opts.InternCapacity = defaultInternCapacity
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	e := &Engine{
		role:              role,
		handler:           handler,
		opts:              opts,
		logger:            opts.Logger,
		names:             newInternTable(opts.InternCapacity),
		streams:           make(map[int32]*streamState),
		peerMaxFrame:      defaultMaxFrameSize,
		sendWindow:        defaultWindowSize,
		peerInitialWindow: defaultWindowSize,
	}
	switch role {
	case RoleClient:
		e.nextLocalID = 1
	case RoleServer:
		e.nextLocalID = 2
	}

	e.framer = http2.NewFramer(&e.outBuf, &feedReader{e: e})
	e.framer.SetMaxReadFrameSize(opts.MaxReadFrameSize)
	e.hpackDec = hpack.NewDecoder(defaultHeaderTableSize, nil)
	e.framer.ReadMetaHeaders = e.hpackDec
	e.hpackEnc = hpack.NewEncoder(&e.encBuf)
	return e, nil
}

// feedReader drains the engine's inbound buffer for the framer. Feed only
// invokes ReadFrame once a complete frame (or header-block sequence) is
// buffered, so a short read here always marks a clean boundary.
type feedReader struct {
	e *Engine
}

func (r *feedReader) Read(p []byte) (int, error) {
	if r.e.inBuf.Len() == 0 {
		return 0, io.EOF
	}
	return r.e.inBuf.Read(p)
}

// Feed parses as many complete frames from p (plus any previously buffered
// partial input) as possible, dispatching handler callbacks synchronously.
// It returns the number of bytes accepted from p. A non-nil error is
// connection-fatal.
func (e *Engine) Feed(p []byte) (int, error) {
	if e.freed {
		return 0, &ProtocolError{Code: http2.ErrCodeInternal, Reason: "feed on freed engine"}
	}
	before := e.inBuf.Len()
	e.inBuf.Write(p)

	for e.frameReady() {
		f, err := e.framer.ReadFrame()
		if err != nil {
			return e.consumed(before, len(p)), mapFramerError(err)
		}
		if err := e.dispatch(f); err != nil {
			return e.consumed(before, len(p)), err
		}
	}
	return len(p), nil
}

func (e *Engine) consumed(before, fed int) int {
	drained := before + fed - e.inBuf.Len()
	if drained > fed {
		drained = fed
	}
	if drained < 0 {
		drained = 0
	}
	return drained
}

// frameReady reports whether the buffered input holds the next frame in
// full. Header blocks spanning CONTINUATION frames are only ready once the
// END_HEADERS fragment is buffered, since the framer reassembles the block
// in one ReadFrame call.
func (e *Engine) frameReady() bool {
	b := e.inBuf.Bytes()
	off := 0
	for {
		if len(b)-off < 9 {
			return false
		}
		length := int(uint32(b[off])<<16 | uint32(b[off+1])<<8 | uint32(b[off+2]))
		ftype := http2.FrameType(b[off+3])
		flags := http2.Flags(b[off+4])
		if len(b)-off < 9+length {
			return false
		}
		if off == 0 {
			if (ftype == http2.FrameHeaders || ftype == http2.FramePushPromise) &&
				flags&http2.FlagHeadersEndHeaders == 0 {
				off += 9 + length
				continue
			}
			return true
		}
		if ftype != http2.FrameContinuation {
			// Malformed sequence; hand it to the framer for the error.
			return true
		}
		if flags&http2.FlagContinuationEndHeaders != 0 {
			return true
		}
		off += 9 + length
	}
}

func mapFramerError(err error) error {
	if ce, ok := err.(http2.ConnectionError); ok {
		return &ProtocolError{Code: http2.ErrCode(ce), Reason: "frame parse error"}
	}
	if se, ok := err.(http2.StreamError); ok {
		return &ProtocolError{Code: se.Code, Reason: fmt.Sprintf("stream %d parse error", se.StreamID)}
	}
	return &ProtocolError{Code: http2.ErrCodeProtocol, Reason: err.Error()}
}

func (e *Engine) dispatch(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return e.onHeaders(f)
	case *http2.PushPromiseFrame:
		return e.onPushPromise(f)
	case *http2.DataFrame:
		return e.onData(f)
	case *http2.SettingsFrame:
		return e.onSettings(f)
	case *http2.WindowUpdateFrame:
		return e.onWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return e.onRSTStream(f)
	case *http2.PriorityFrame:
		fh := f.Header()
		e.handler.OnFrameReceived(FrameInfo{
			Type:     http2.FramePriority,
			StreamID: int32(fh.StreamID),
			Flags:    fh.Flags,
			Length:   fh.Length,
			Priority: f.PriorityParam,
		})
		return nil
	case *http2.PingFrame:
		if !f.IsAck() {
			return e.framer.WritePing(true, f.Data)
		}
		return nil
	case *http2.GoAwayFrame:
		// Nothing to tear down here; the session decides when to stop.
		return nil
	default:
		return nil
	}
}

func (e *Engine) newStreamState(id int32) *streamState {
	st := &streamState{
		id:          id,
		sendWindow:  e.peerInitialWindow,
		localWindow: int32(e.opts.InitialWindowSize),
		windowBase:  int32(e.opts.InitialWindowSize),
	}
	e.streams[id] = st
	if e.remoteInitiated(id) && id > e.lastRemoteID {
		e.lastRemoteID = id
	}
	return st
}

func (e *Engine) remoteInitiated(id int32) bool {
	if e.role == RoleServer {
		return id%2 == 1
	}
	return id%2 == 0
}

func (e *Engine) onHeaders(f *http2.MetaHeadersFrame) error {
	fh := f.HeadersFrame.Header()
	id := int32(fh.StreamID)

	st := e.streams[id]
	var cat HeadersCategory
	switch {
	case st == nil:
		st = e.newStreamState(id)
		if e.role == RoleServer {
			cat = CategoryRequest
		} else {
			cat = CategoryResponse
		}
	case !st.sawHeaders && st.pushed:
		cat = CategoryPushResponse
	case !st.sawHeaders:
		if e.role == RoleServer {
			cat = CategoryRequest
		} else {
			cat = CategoryResponse
		}
	default:
		cat = CategoryHeaders
	}
	st.sawHeaders = true

	e.handler.OnBeginHeaders(id, cat)
	e.emitFields(id, f.Fields)
	e.handler.OnFrameReceived(FrameInfo{
		Type:     http2.FrameHeaders,
		StreamID: id,
		Flags:    fh.Flags,
		Length:   fh.Length,
	})

	if f.StreamEnded() {
		st.remoteClosed = true
		e.maybeClose(st, http2.ErrCodeNo)
	}
	return nil
}

func (e *Engine) emitFields(id int32, fields []hpack.HeaderField) {
	for _, hf := range fields {
		name := e.names.get(hf.Name)
		value := e.names.get(hf.Value)
		e.handler.OnHeader(id, name, value)
		e.names.releaseIfUnused(value)
		e.names.releaseIfUnused(name)
	}
}

func (e *Engine) onPushPromise(f *http2.PushPromiseFrame) error {
	if e.role != RoleClient {
		return &ProtocolError{Code: http2.ErrCodeProtocol, Reason: "PUSH_PROMISE received by server"}
	}
	if !f.HeadersEnded() {
		// The framer only reassembles CONTINUATION after HEADERS; fragmented
		// promises are rare enough to reject outright.
		return &ProtocolError{Code: http2.ErrCodeProtocol, Reason: "fragmented PUSH_PROMISE"}
	}
	promised := int32(f.PromiseID)
	st := e.newStreamState(promised)
	st.pushed = true

	var fields []hpack.HeaderField
	e.hpackDec.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, hf)
	})
	defer e.hpackDec.SetEmitFunc(nil)
	if _, err := e.hpackDec.Write(f.HeaderBlockFragment()); err != nil {
		return &ProtocolError{Code: http2.ErrCodeCompression, Reason: "push promise decode failed"}
	}
	if err := e.hpackDec.Close(); err != nil {
		return &ProtocolError{Code: http2.ErrCodeCompression, Reason: "push promise decode failed"}
	}

	fh := f.Header()
	e.handler.OnBeginHeaders(promised, CategoryRequest)
	e.emitFields(promised, fields)
	e.handler.OnFrameReceived(FrameInfo{
		Type:     http2.FramePushPromise,
		StreamID: promised,
		Flags:    fh.Flags,
		Length:   fh.Length,
	})
	return nil
}

func (e *Engine) onData(f *http2.DataFrame) error {
	fh := f.Header()
	id := int32(fh.StreamID)
	st := e.streams[id]
	if st == nil {
		return &ProtocolError{Code: http2.ErrCodeProtocol, Reason: fmt.Sprintf("DATA on idle stream %d", id)}
	}

	if data := f.Data(); len(data) > 0 {
		e.handler.OnDataChunk(id, data)
	}
	// Padding counts against flow control, so the debt is the full payload.
	st.recvDebt += int32(fh.Length)
	e.connRecvDebt += int32(fh.Length)

	// The peer's remaining credit is the advertised window minus the debt
	// not yet replenished; exceeding it is connection-fatal.
	if st.recvDebt > st.windowBase {
		return &ProtocolError{Code: http2.ErrCodeFlowControl, Reason: fmt.Sprintf("stream %d receive window overrun", id)}
	}
	if e.connRecvDebt > defaultWindowSize {
		return &ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "connection receive window overrun"}
	}

	e.handler.OnFrameReceived(FrameInfo{
		Type:     http2.FrameData,
		StreamID: id,
		Flags:    fh.Flags,
		Length:   fh.Length,
	})
	if err := e.replenish(st); err != nil {
		return err
	}
	if f.StreamEnded() {
		st.remoteClosed = true
		e.maybeClose(st, http2.ErrCodeNo)
	}
	return nil
}

// replenish restores receive-window credit for consumed bytes. The
// connection window is always kept topped up; the stream window only while
// reading is not paused (localWindow > 0).
func (e *Engine) replenish(st *streamState) error {
	if e.connRecvDebt > 0 {
		if err := e.framer.WriteWindowUpdate(0, uint32(e.connRecvDebt)); err != nil {
			return err
		}
		e.connRecvDebt = 0
	}
	if st.localWindow > 0 && st.recvDebt > 0 {
		if err := e.framer.WriteWindowUpdate(uint32(st.id), uint32(st.recvDebt)); err != nil {
			return err
		}
		st.recvDebt = 0
	}
	return nil
}

func (e *Engine) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var perr error
	_ = f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			if s.Val > 0x7fffffff {
				perr = &ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "SETTINGS_INITIAL_WINDOW_SIZE too large"}
				return perr
			}
			delta := int32(s.Val) - e.peerInitialWindow
			for _, st := range e.streams {
				st.sendWindow += delta
			}
			e.peerInitialWindow = int32(s.Val)
		case http2.SettingMaxFrameSize:
			if s.Val < 16384 || s.Val > (1<<24)-1 {
				perr = &ProtocolError{Code: http2.ErrCodeProtocol, Reason: "SETTINGS_MAX_FRAME_SIZE out of range"}
				return perr
			}
			e.peerMaxFrame = s.Val
		}
		return nil
	})
	if perr != nil {
		return perr
	}
	if err := e.framer.WriteSettingsAck(); err != nil {
		return err
	}
	fh := f.Header()
	e.handler.OnFrameReceived(FrameInfo{
		Type:     http2.FrameSettings,
		StreamID: 0,
		Flags:    fh.Flags,
		Length:   fh.Length,
	})
	return nil
}

func (e *Engine) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	fh := f.Header()
	inc := int32(f.Increment)
	if fh.StreamID == 0 {
		if int64(e.sendWindow)+int64(inc) > 0x7fffffff {
			return &ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "connection window overflow"}
		}
		e.sendWindow += inc
		return nil
	}
	st := e.streams[int32(fh.StreamID)]
	if st == nil {
		return nil
	}
	if int64(st.sendWindow)+int64(inc) > 0x7fffffff {
		if err := e.framer.WriteRSTStream(fh.StreamID, http2.ErrCodeFlowControl); err != nil {
			return err
		}
		e.closeStream(st, http2.ErrCodeFlowControl)
		return nil
	}
	st.sendWindow += inc
	return nil
}

func (e *Engine) onRSTStream(f *http2.RSTStreamFrame) error {
	id := int32(f.Header().StreamID)
	if st := e.streams[id]; st != nil {
		e.closeStream(st, f.ErrCode)
	}
	return nil
}

func (e *Engine) maybeClose(st *streamState, code http2.ErrCode) {
	if st.remoteClosed && st.localClosed {
		e.closeStream(st, code)
	}
}

func (e *Engine) closeStream(st *streamState, code http2.ErrCode) {
	if st.closed {
		return
	}
	st.closed = true
	delete(e.streams, st.id)
	e.handler.OnStreamClose(st.id, code)
}

// Pull returns the next chunk of serialized output, or nil when none
// remains. The returned slice is only valid until the next engine call.
// Pending stream-close notifications and deferred data production both run
// from here, so a session's flush tick drives them.
func (e *Engine) Pull() []byte {
	e.flushPendingClose()
	if e.outBuf.Len() == 0 {
		e.produceData()
	}
	if e.outBuf.Len() == 0 {
		return nil
	}
	n := e.outBuf.Len()
	if n > maxPullChunk {
		n = maxPullChunk
	}
	return e.outBuf.Next(n)
}

func (e *Engine) flushPendingClose() {
	for len(e.pendingClose) > 0 {
		ev := e.pendingClose[0]
		e.pendingClose = e.pendingClose[1:]
		e.handler.OnStreamClose(ev.id, ev.code)
	}
}

func (e *Engine) produceData() {
	if len(e.streams) == 0 {
		return
	}
	ids := make([]int32, 0, len(e.streams))
	for id, st := range e.streams {
		if st.provider && !st.deferred && !st.localClosed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		st := e.streams[id]
		if st == nil || !st.provider || st.deferred || st.localClosed {
			continue
		}
		if e.sendWindow <= 0 {
			break
		}
		if st.sendWindow <= 0 {
			continue
		}
		max := int(e.peerMaxFrame)
		if int(e.sendWindow) < max {
			max = int(e.sendWindow)
		}
		if int(st.sendWindow) < max {
			max = int(st.sendWindow)
		}
		if max <= 0 {
			continue
		}
		if cap(e.scratch) < max {
			e.scratch = make([]byte, max)
		}
		buf := e.scratch[:max]

		n, status := e.handler.OnStreamRead(id, buf)
		switch status {
		case DataDeferred:
			st.deferred = true
		case DataEOF:
			st.provider = false
			end := st.trailers == nil
			if n > 0 || end {
				if err := e.writeData(st, buf[:n], end); err != nil {
					e.logger.Printf("engine: DATA write failed on stream %d: %v", id, err)
					continue
				}
			}
			if st.trailers != nil {
				if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      uint32(id),
					BlockFragment: st.trailers,
					EndStream:     true,
					EndHeaders:    true,
				}); err != nil {
					e.logger.Printf("engine: trailer write failed on stream %d: %v", id, err)
				}
				st.trailers = nil
			}
			st.localClosed = true
			e.maybeClose(st, http2.ErrCodeNo)
		default:
			if n > 0 {
				if err := e.writeData(st, buf[:n], false); err != nil {
					e.logger.Printf("engine: DATA write failed on stream %d: %v", id, err)
				}
			}
		}
	}
}

func (e *Engine) writeData(st *streamState, p []byte, endStream bool) error {
	total := len(p)
	if e.opts.HasPaddingCallback {
		maxPayload := int(e.peerMaxFrame)
		want := e.handler.SelectPadding(len(p), maxPayload)
		extra := want - len(p)
		if extra > 255 {
			extra = 255
		}
		if extra > 0 {
			pad := make([]byte, extra)
			if err := e.framer.WriteDataPadded(uint32(st.id), endStream, p, pad); err != nil {
				return err
			}
			total += extra + 1 // padding plus the pad-length octet
			e.sendWindow -= int32(total)
			st.sendWindow -= int32(total)
			return nil
		}
	}
	if err := e.framer.WriteData(uint32(st.id), endStream, p); err != nil {
		return err
	}
	e.sendWindow -= int32(total)
	st.sendWindow -= int32(total)
	return nil
}

// ResumeData signals that more outbound data is available for the stream,
// clearing a previous deferred mark. Providers are only attached by
// SubmitResponse and SubmitRequest; a stream without one stays silent.
func (e *Engine) ResumeData(id int32) {
	if st := e.streams[id]; st != nil {
		st.deferred = false
	}
}

func (e *Engine) encodeFields(fields []hpack.HeaderField) ([]byte, error) {
	e.encBuf.Reset()
	for _, hf := range fields {
		if err := e.hpackEnc.WriteField(hf); err != nil {
			return nil, err
		}
	}
	block := make([]byte, e.encBuf.Len())
	copy(block, e.encBuf.Bytes())
	return block, nil
}

// SubmitSettings sends a SETTINGS frame.
func (e *Engine) SubmitSettings(settings []http2.Setting) error {
	return e.framer.WriteSettings(settings...)
}

// SubmitShutdownNotice sends a graceful GOAWAY carrying the last processed
// remote stream id, allowing in-flight streams to finish.
func (e *Engine) SubmitShutdownNotice() {
	if err := e.framer.WriteGoAway(uint32(e.lastRemoteID), http2.ErrCodeNo, nil); err != nil {
		e.logger.Printf("engine: GOAWAY write failed: %v", err)
	}
}

// SubmitRstStream terminates a stream. The close notification fires on the
// next Pull, matching the engine-reported closure path.
func (e *Engine) SubmitRstStream(id int32, code http2.ErrCode) error {
	if err := e.framer.WriteRSTStream(uint32(id), code); err != nil {
		return err
	}
	if st := e.streams[id]; st != nil && !st.closed {
		st.closed = true
		delete(e.streams, id)
		e.pendingClose = append(e.pendingClose, closeEvent{id: id, code: code})
	}
	return nil
}

// SubmitPriority sends a PRIORITY frame, or records the dependency change
// silently without touching the wire.
func (e *Engine) SubmitPriority(id int32, pri http2.PriorityParam, silent bool) error {
	if silent {
		return nil
	}
	return e.framer.WritePriority(uint32(id), pri)
}

// SubmitInfo sends a non-final header block (e.g. a 1xx response).
func (e *Engine) SubmitInfo(id int32, fields []hpack.HeaderField) error {
	block, err := e.encodeFields(fields)
	if err != nil {
		return err
	}
	return e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(id),
		BlockFragment: block,
		EndHeaders:    true,
	})
}

// SubmitResponse sends response headers on an existing stream. When provider
// is set, a data source is attached and OnStreamRead will be queried during
// Pull; otherwise the response ends the local side immediately.
func (e *Engine) SubmitResponse(id int32, fields []hpack.HeaderField, provider bool) error {
	st := e.streams[id]
	if st == nil {
		return &ProtocolError{Code: http2.ErrCodeInternal, Reason: fmt.Sprintf("response on unknown stream %d", id)}
	}
	block, err := e.encodeFields(fields)
	if err != nil {
		return err
	}
	if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(id),
		BlockFragment: block,
		EndStream:     !provider,
		EndHeaders:    true,
	}); err != nil {
		return err
	}
	if provider {
		st.provider = true
	} else {
		st.localClosed = true
		e.maybeClose(st, http2.ErrCodeNo)
	}
	return nil
}

// SubmitRequest opens a locally initiated stream and returns its id.
func (e *Engine) SubmitRequest(pri http2.PriorityParam, fields []hpack.HeaderField, provider bool) (int32, error) {
	block, err := e.encodeFields(fields)
	if err != nil {
		return 0, err
	}
	id := e.nextLocalID
	e.nextLocalID += 2
	st := e.newStreamState(id)
	if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(id),
		BlockFragment: block,
		EndStream:     !provider,
		EndHeaders:    true,
		Priority:      pri,
	}); err != nil {
		return 0, err
	}
	if provider {
		st.provider = true
	} else {
		st.localClosed = true
	}
	return id, nil
}

// SubmitPushPromise reserves a pushed stream associated with id and returns
// the promised stream id.
func (e *Engine) SubmitPushPromise(id int32, fields []hpack.HeaderField) (int32, error) {
	if e.role != RoleServer {
		return 0, &ProtocolError{Code: http2.ErrCodeProtocol, Reason: "push promise from client"}
	}
	block, err := e.encodeFields(fields)
	if err != nil {
		return 0, err
	}
	promised := e.nextLocalID
	e.nextLocalID += 2
	if err := e.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      uint32(id),
		PromiseID:     uint32(promised),
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		return 0, err
	}
	st := e.newStreamState(promised)
	st.remoteClosed = true // the peer never sends on a pushed stream
	return promised, nil
}

// SubmitTrailers attaches a trailing header block to the stream, sent after
// the final DATA frame instead of END_STREAM on it.
func (e *Engine) SubmitTrailers(id int32, fields []hpack.HeaderField) error {
	st := e.streams[id]
	if st == nil {
		return &ProtocolError{Code: http2.ErrCodeInternal, Reason: fmt.Sprintf("trailers on unknown stream %d", id)}
	}
	block, err := e.encodeFields(fields)
	if err != nil {
		return err
	}
	st.trailers = block
	return nil
}

// LocalWindowSize reports the stream's advertised local receive window.
func (e *Engine) LocalWindowSize(id int32) int32 {
	if st := e.streams[id]; st != nil {
		return st.localWindow
	}
	return int32(e.opts.InitialWindowSize)
}

// SetLocalWindowSize adjusts the stream's advertised receive window. Setting
// zero halts replenishment so the peer's credit drains; restoring a positive
// value flushes the accumulated debt back to the peer.
func (e *Engine) SetLocalWindowSize(id int32, v int32) {
	st := e.streams[id]
	if st == nil {
		return
	}
	if v > 0 {
		delta := st.recvDebt + (v - st.windowBase)
		if delta > 0 {
			if err := e.framer.WriteWindowUpdate(uint32(id), uint32(delta)); err != nil {
				e.logger.Printf("engine: WINDOW_UPDATE write failed on stream %d: %v", id, err)
				return
			}
		}
		st.recvDebt = 0
		st.windowBase = v
	}
	st.localWindow = v
}

// Terminate sends a GOAWAY with the given code. Idempotent.
func (e *Engine) Terminate(code http2.ErrCode) {
	if e.terminated {
		return
	}
	e.terminated = true
	if err := e.framer.WriteGoAway(uint32(e.lastRemoteID), code, nil); err != nil {
		e.logger.Printf("engine: GOAWAY write failed: %v", err)
	}
}

// Free releases the engine. The handle must not be used afterwards.
func (e *Engine) Free() {
	e.freed = true
	e.streams = nil
	e.pendingClose = nil
	e.inBuf.Reset()
	e.outBuf.Reset()
}
