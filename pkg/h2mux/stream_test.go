package h2mux

import (
	"testing"

	"golang.org/x/net/http2/hpack"
)

func openServerStream(t *testing.T) (*Session, *Stream) {
	t.Helper()
	s, _, _ := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "POST", ":path", "/")
	feedSession(t, s, p.take())
	st := s.FindStream(1)
	if st == nil {
		t.Fatal("stream 1 not registered")
	}
	return s, st
}

func TestReadStopSnapshotsWindow(t *testing.T) {
	s, st := openServerStream(t)
	st.ReadStart()
	if !st.IsReading() {
		t.Fatal("stream not reading after ReadStart")
	}

	st.ReadStop()
	if !st.IsPaused() {
		t.Fatal("stream not paused after ReadStop")
	}
	if got := s.engine.LocalWindowSize(1); got != 0 {
		t.Errorf("window = %d while paused, want 0", got)
	}
	if st.prevLocalWindow != 65535 {
		t.Errorf("snapshot = %d, want 65535", st.prevLocalWindow)
	}

	// A second stop must not re-snapshot the zeroed window.
	st.ReadStop()
	if st.prevLocalWindow != 65535 {
		t.Errorf("snapshot corrupted by double stop: %d", st.prevLocalWindow)
	}

	st.ReadStart()
	if st.IsPaused() {
		t.Fatal("still paused after ReadStart")
	}
	if got := s.engine.LocalWindowSize(1); got != 65535 {
		t.Errorf("window = %d after resume, want 65535", got)
	}
}

func TestReadStartBeforeStopIsPureTransition(t *testing.T) {
	s, st := openServerStream(t)
	st.ReadStart()
	if got := s.engine.LocalWindowSize(1); got != 65535 {
		t.Errorf("window = %d, initial ReadStart must not touch it", got)
	}
}

func TestReadStopBeforeStartIsNoOp(t *testing.T) {
	s, st := openServerStream(t)
	st.ReadStop()
	if st.IsPaused() {
		t.Error("ReadStop paused a stream that never started reading")
	}
	if got := s.engine.LocalWindowSize(1); got != 65535 {
		t.Errorf("window = %d, want untouched 65535", got)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	s, st := openServerStream(t)
	st.Write([][]byte{[]byte("never sent")}, nil)
	s.OnDataChunk(1, []byte("buffered"))

	st.Destroy()
	if !st.IsDestroyed() {
		t.Fatal("stream not destroyed")
	}
	if s.FindStream(1) != nil {
		t.Error("destroyed stream still registered")
	}
	if st.chunks.Length() != 0 || st.writes.Length() != 0 {
		t.Error("queues not drained by destroy")
	}
	recycled := s.streamPool.Len()

	st.Destroy()
	if s.streamPool.Len() != recycled {
		t.Error("second destroy recycled the stream again")
	}
}

func TestDestroyDropsWritesWithoutCompletion(t *testing.T) {
	_, st := openServerStream(t)
	fired := false
	st.Write([][]byte{[]byte("pending")}, func(err error) { fired = true })
	st.Destroy()
	if fired {
		t.Error("destroy invoked a pending write's completion")
	}
}

func TestWriteRejectedOnShutStream(t *testing.T) {
	_, st := openServerStream(t)
	st.Shutdown()

	var got error
	called := false
	st.Write([][]byte{[]byte("late")}, func(err error) {
		called = true
		got = err
	})
	if !called {
		t.Fatal("rejection completion not invoked synchronously")
	}
	if got != ErrStreamClosedForWrite {
		t.Errorf("completion error = %v, want ErrStreamClosedForWrite", got)
	}
	if st.writes.Length() != 0 {
		t.Error("rejected write was enqueued")
	}
}

func TestWriteRejectedOnDestroyedStream(t *testing.T) {
	_, st := openServerStream(t)
	st.Destroy()
	var got error
	st.Write([][]byte{[]byte("late")}, func(err error) { got = err })
	if got != ErrStreamClosedForWrite {
		t.Errorf("completion error = %v, want ErrStreamClosedForWrite", got)
	}
}

func TestStreamRecycledThroughPool(t *testing.T) {
	s, st := openServerStream(t)
	st.Destroy()

	// The next inbound exchange reuses the pooled object, fully reset.
	p := newClientPeer()
	p.out.Reset() // preface already consumed by the session
	p.request(t, 3, false, ":method", "GET", ":path", "/again")
	feedSession(t, s, p.take())

	st2 := s.FindStream(3)
	if st2 == nil {
		t.Fatal("stream 3 not registered")
	}
	if st2 != st {
		t.Error("pool did not recycle the destroyed stream object")
	}
	if st2.ID() != 3 || st2.IsDestroyed() || !st2.IsWritable() {
		t.Errorf("recycled stream not reinitialized: id=%d flags=%02x", st2.ID(), st2.flags)
	}
}

func TestSubmitResponseEmptyPayloadClosesLocally(t *testing.T) {
	s, st := openServerStream(t)
	if err := st.SubmitResponse([]hpack.HeaderField{{Name: ":status", Value: "204"}}, true); err != nil {
		t.Fatal(err)
	}
	if st.IsWritable() {
		t.Error("stream writable after empty-payload response")
	}
	s.SendPendingData()
}
