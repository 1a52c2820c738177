package h2mux

import (
	"github.com/eapache/queue"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jasnell/http2-1/internal/engine"
)

// WriteCallback is invoked exactly once per accepted write, after all of the
// write's bytes have been pulled by the engine, or synchronously with
// ErrStreamClosedForWrite when the stream cannot accept the write.
type WriteCallback func(err error)

// dataChunk is one pool-recycled inbound payload buffer. The backing slice
// grows to the largest payload it ever held and is reused across cycles.
type dataChunk struct {
	buf []byte
}

// headerEntry holds one captured name/value pair. The handles keep the
// engine's interned storage alive until the block is drained.
type headerEntry struct {
	name  *engine.RcBuf
	value *engine.RcBuf
}

// writeRequest is one queued outbound write: caller-owned buffers consumed
// in order, then the completion callback.
type writeRequest struct {
	bufs [][]byte
	done WriteCallback
}

func (w *writeRequest) reset() {
	for i := range w.bufs {
		w.bufs[i] = nil
	}
	w.bufs = w.bufs[:0]
	w.done = nil
}

// Stream lifecycle and read-state flags.
const (
	flagShut = 1 << iota // outbound side finished, no further writes
	flagReadStart
	flagReadPaused
	flagRemoteEnded
	flagDestroying
	flagDestroyed
)

// Stream is one logical exchange multiplexed over a session. Streams are
// created by the session (inbound header blocks or local submit operations)
// and recycled through the session's pool after Destroy.
type Stream struct {
	session  *Session
	id       int32
	category HeadersCategory
	flags    uint8

	// Inbound data chunks accumulated for the frame in flight.
	chunks *queue.Queue
	// Header pairs accumulated for the block in flight.
	headers *queue.Queue
	// Outbound write requests, consumed from the head via the cursor below.
	writes     *queue.Queue
	headIndex  int // buffer index within the head request
	headOffset int // byte offset within that buffer

	prevLocalWindow int32
}

// reinit resets a pool-acquired stream for a new exchange. The queue
// instances persist across recycles; only their contents are per-exchange.
func (st *Stream) reinit(s *Session, id int32, category HeadersCategory) {
	st.session = s
	st.id = id
	st.category = category
	st.flags = 0
	st.headIndex = 0
	st.headOffset = 0
	st.prevLocalWindow = 0
	if st.chunks == nil {
		st.chunks = queue.New()
		st.headers = queue.New()
		st.writes = queue.New()
	}
}

// ID returns the stream's protocol identifier.
func (st *Stream) ID() int32 { return st.id }

// Category returns the classification of the stream's opening header block.
func (st *Stream) Category() HeadersCategory { return st.category }

func (st *Stream) startHeaders(category HeadersCategory) {
	st.category = category
}

// IsWritable reports whether the stream still accepts outbound writes.
func (st *Stream) IsWritable() bool {
	return st.flags&(flagShut|flagDestroying|flagDestroyed) == 0
}

// IsDestroyed reports whether the stream has been torn down.
func (st *Stream) IsDestroyed() bool {
	return st.flags&flagDestroyed != 0
}

// IsRemoteEnded reports whether the peer has finished its side of the
// exchange (END_STREAM received).
func (st *Stream) IsRemoteEnded() bool {
	return st.flags&flagRemoteEnded != 0
}

// IsReading reports whether inbound flow is currently unpaused and started.
func (st *Stream) IsReading() bool {
	return st.flags&flagReadStart != 0 && st.flags&flagReadPaused == 0
}

// IsPaused reports whether inbound flow is paused by ReadStop.
func (st *Stream) IsPaused() bool {
	return st.flags&flagReadPaused != 0
}

// Write queues buffers for transmission. The bytes are not copied; the
// caller must keep them valid until done fires. A non-writable stream
// rejects the write synchronously through done and queues nothing.
func (st *Stream) Write(bufs [][]byte, done WriteCallback) {
	if !st.IsWritable() {
		if done != nil {
			done(ErrStreamClosedForWrite)
		}
		return
	}
	req := st.session.requestPool.Pop()
	req.bufs = append(req.bufs, bufs...)
	req.done = done
	st.writes.Add(req)
	st.session.engine.ResumeData(st.id)
}

// Shutdown marks the outbound side finished. Queued writes are still
// drained; once the queue empties the engine closes the stream locally,
// offering trailers first.
func (st *Stream) Shutdown() {
	st.flags |= flagShut
	st.session.engine.ResumeData(st.id)
}

// fillOutbound drains the write queue into p. Completion callbacks fire in
// submission order, each only after its request is fully consumed.
func (st *Stream) fillOutbound(p []byte) (int, engine.DataStatus) {
	n := 0
	for st.writes.Length() > 0 && n < len(p) {
		req := st.writes.Peek().(*writeRequest)
		for st.headIndex < len(req.bufs) && n < len(p) {
			c := copy(p[n:], req.bufs[st.headIndex][st.headOffset:])
			n += c
			st.headOffset += c
			if st.headOffset == len(req.bufs[st.headIndex]) {
				st.headIndex++
				st.headOffset = 0
			}
		}
		if st.headIndex < len(req.bufs) {
			break
		}
		st.writes.Remove()
		st.headIndex = 0
		done := req.done
		req.reset()
		st.session.requestPool.Push(req)
		if done != nil {
			done(nil)
		}
	}
	if st.writes.Length() == 0 {
		if st.IsWritable() {
			if n == 0 {
				return 0, engine.DataDeferred
			}
			return n, engine.DataAvailable
		}
		st.offerTrailers()
		return n, engine.DataEOF
	}
	return n, engine.DataAvailable
}

func (st *Stream) offerTrailers() {
	fields := st.session.events.OnTrailers(st)
	if len(fields) == 0 {
		return
	}
	if err := st.session.engine.SubmitTrailers(st.id, fields); err != nil {
		st.session.logger.Printf("h2mux: trailers rejected on stream %d: %v", st.id, err)
	}
}

// ReadStart begins or resumes inbound flow. Resuming restores the window
// advertised before the matching ReadStop.
func (st *Stream) ReadStart() {
	if st.flags&flagReadPaused != 0 {
		st.flags &^= flagReadPaused
		st.session.engine.SetLocalWindowSize(st.id, st.prevLocalWindow)
	}
	st.flags |= flagReadStart
}

// ReadStop pauses inbound flow, snapshotting the advertised window before
// zeroing it. A second call before ReadStart is a no-op, preserving the
// original snapshot.
func (st *Stream) ReadStop() {
	if !st.IsReading() {
		return
	}
	st.flags |= flagReadPaused
	st.prevLocalWindow = st.session.engine.LocalWindowSize(st.id)
	st.session.engine.SetLocalWindowSize(st.id, 0)
}

// Destroy tears the stream down: unregisters it, releases buffered inbound
// data and header entries to the pools, discards unconsumed writes without
// firing their completions, and recycles the object. Idempotent.
func (st *Stream) Destroy() {
	if st.flags&(flagDestroying|flagDestroyed) != 0 {
		return
	}
	st.flags |= flagDestroying
	s := st.session
	s.removeStream(st.id)

	for st.chunks.Length() > 0 {
		c := st.chunks.Remove().(*dataChunk)
		c.buf = c.buf[:0]
		s.chunkPool.Push(c)
	}
	for st.headers.Length() > 0 {
		h := st.headers.Remove().(*headerEntry)
		h.value.Decref()
		h.name.Decref()
		h.name, h.value = nil, nil
		s.headerPool.Push(h)
	}
	for st.writes.Length() > 0 {
		req := st.writes.Remove().(*writeRequest)
		req.reset()
		s.requestPool.Push(req)
	}
	st.headIndex = 0
	st.headOffset = 0

	st.flags |= flagDestroyed
	streamsActive.Dec()
	s.streamPool.Push(st)
}

// SubmitPriority sends the stream's dependency parameters to the peer, or
// records them locally when silent is set.
func (st *Stream) SubmitPriority(pri http2.PriorityParam, silent bool) error {
	return st.session.engine.SubmitPriority(st.id, pri, silent)
}

// SubmitRstStream resets the stream. Bytes already serialized for this
// connection are flushed first so the reset does not overtake them.
func (st *Stream) SubmitRstStream(code http2.ErrCode) error {
	st.session.SendPendingData()
	return st.session.engine.SubmitRstStream(st.id, code)
}

// SubmitInfo sends a non-final (informational) header block.
func (st *Stream) SubmitInfo(fields []hpack.HeaderField) error {
	return st.session.engine.SubmitInfo(st.id, fields)
}

// SubmitResponse sends response headers. With emptyPayload set the response
// carries no body and the outbound side closes immediately.
func (st *Stream) SubmitResponse(fields []hpack.HeaderField, emptyPayload bool) error {
	if emptyPayload {
		st.flags |= flagShut
	}
	return st.session.engine.SubmitResponse(st.id, fields, !emptyPayload)
}

// SubmitPushPromise reserves a pushed stream associated with this one and
// returns the new Stream for the promised id.
func (st *Stream) SubmitPushPromise(fields []hpack.HeaderField, emptyPayload bool) (*Stream, error) {
	promised, err := st.session.engine.SubmitPushPromise(st.id, fields)
	if err != nil {
		return nil, err
	}
	pushed := st.session.createStream(promised, CategoryPushResponse)
	if emptyPayload {
		pushed.flags |= flagShut
	}
	return pushed, nil
}
