package h2mux

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jasnell/http2-1/internal/engine"
)

// testTransport captures flushed buffers and the tick registration.
type testTransport struct {
	flushes     [][]byte
	flushSizes  []int
	tickFn      func()
	tickStopped bool
}

func (t *testTransport) AllocateSendBuffer(sizeHint int) []byte {
	return make([]byte, sizeHint)
}

func (t *testTransport) Send(buf []byte, n int) {
	out := make([]byte, n)
	copy(out, buf[:n])
	t.flushes = append(t.flushes, out)
	t.flushSizes = append(t.flushSizes, n)
}

func (t *testTransport) RegisterTick(fn func()) TickHandle {
	t.tickFn = fn
	return testTick{t}
}

func (t *testTransport) wire() []byte {
	var all []byte
	for _, f := range t.flushes {
		all = append(all, f...)
	}
	return all
}

type testTick struct{ t *testTransport }

func (h testTick) Stop() { h.t.tickStopped = true }

type headersDelivery struct {
	streamID int32
	fields   []hpack.HeaderField
	category HeadersCategory
	flags    http2.Flags
}

// testEvents records every consumer callback.
type testEvents struct {
	headers  []headersDelivery
	data     map[int32][][]byte
	closes   []int32
	codes    []http2.ErrCode
	settings int
	priority []int32
	freed    int

	trailerFields []hpack.HeaderField
	paddingFunc   func(frameLen, maxPayload int) int
}

func newTestEvents() *testEvents {
	return &testEvents{data: make(map[int32][][]byte)}
}

func (e *testEvents) OnHeaders(st *Stream, fields []hpack.HeaderField, cat HeadersCategory, flags http2.Flags) {
	cp := make([]hpack.HeaderField, len(fields))
	copy(cp, fields)
	e.headers = append(e.headers, headersDelivery{st.ID(), cp, cat, flags})
}

func (e *testEvents) OnData(st *Stream, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	e.data[st.ID()] = append(e.data[st.ID()], cp)
}

func (e *testEvents) OnStreamClose(st *Stream, code http2.ErrCode) {
	e.closes = append(e.closes, st.ID())
	e.codes = append(e.codes, code)
}

func (e *testEvents) OnSettings() { e.settings++ }

func (e *testEvents) OnPriority(streamID, dependencyID int32, weight uint8, exclusive bool) {
	e.priority = append(e.priority, streamID)
}

func (e *testEvents) OnTrailers(st *Stream) []hpack.HeaderField { return e.trailerFields }

func (e *testEvents) OnSelectPadding(frameLen, maxPayload int) int {
	if e.paddingFunc != nil {
		return e.paddingFunc(frameLen, maxPayload)
	}
	return frameLen
}

func (e *testEvents) OnSessionFreed() { e.freed++ }

// clientPeer crafts wire bytes the way a remote client would.
type clientPeer struct {
	out bytes.Buffer
	fr  *http2.Framer
	enc *hpack.Encoder
	eb  bytes.Buffer
}

func newClientPeer() *clientPeer {
	p := &clientPeer{}
	p.out.WriteString(http2.ClientPreface)
	p.fr = http2.NewFramer(&p.out, nil)
	p.enc = hpack.NewEncoder(&p.eb)
	return p
}

func (p *clientPeer) encode(t *testing.T, pairs ...string) []byte {
	t.Helper()
	p.eb.Reset()
	for i := 0; i < len(pairs); i += 2 {
		if err := p.enc.WriteField(hpack.HeaderField{Name: pairs[i], Value: pairs[i+1]}); err != nil {
			t.Fatalf("encode %q: %v", pairs[i], err)
		}
	}
	block := make([]byte, p.eb.Len())
	copy(block, p.eb.Bytes())
	return block
}

func (p *clientPeer) request(t *testing.T, streamID uint32, endStream bool, pairs ...string) {
	t.Helper()
	if err := p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: p.encode(t, pairs...),
		EndStream:     endStream,
		EndHeaders:    true,
	}); err != nil {
		t.Fatal(err)
	}
}

func (p *clientPeer) take() []byte {
	b := make([]byte, p.out.Len())
	copy(b, p.out.Bytes())
	p.out.Reset()
	return b
}

func newServerSession(t *testing.T) (*Session, *testTransport, *testEvents) {
	t.Helper()
	tr := &testTransport{}
	ev := newTestEvents()
	s, err := NewSession(tr, ev, RoleServer, DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s, tr, ev
}

func feedSession(t *testing.T, s *Session, b []byte) {
	t.Helper()
	n, err := s.Write(b)
	if err != nil {
		t.Fatalf("Session.Write: %v", err)
	}
	if n != len(b) {
		t.Fatalf("Session.Write consumed %d of %d bytes", n, len(b))
	}
}

// dataPayloads parses the session's flushed wire bytes and returns the
// concatenated DATA payloads per stream.
func dataPayloads(t *testing.T, wire []byte) map[uint32][]byte {
	t.Helper()
	fr := http2.NewFramer(io.Discard, bytes.NewReader(wire))
	got := make(map[uint32][]byte)
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("parse session output: %v", err)
		}
		if df, ok := f.(*http2.DataFrame); ok {
			id := df.Header().StreamID
			got[id] = append(got[id], df.Data()...)
		}
	}
}

func TestHeadersDeliveredOncePerBlock(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, true, ":method", "GET", ":path", "/", ":scheme", "https", ":authority", "example.com")
	feedSession(t, s, p.take())

	if len(ev.headers) != 1 {
		t.Fatalf("got %d header deliveries, want 1", len(ev.headers))
	}
	d := ev.headers[0]
	if d.streamID != 1 || d.category != CategoryRequest {
		t.Errorf("delivery = stream %d category %d", d.streamID, d.category)
	}
	if len(d.fields) != 4 {
		t.Fatalf("got %d fields, want 4", len(d.fields))
	}
	if d.fields[0].Name != ":method" || d.fields[0].Value != "GET" {
		t.Errorf("first field = %s: %s", d.fields[0].Name, d.fields[0].Value)
	}
	st := s.FindStream(1)
	if st == nil {
		t.Fatal("stream 1 not registered")
	}
	if st.headers.Length() != 0 {
		t.Errorf("header sequence not empty after delivery: %d entries", st.headers.Length())
	}
}

func TestDataAggregatedPerFrame(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "POST", ":path", "/")
	if err := p.fr.WriteData(1, false, []byte("first frame")); err != nil {
		t.Fatal(err)
	}
	if err := p.fr.WriteData(1, false, []byte("second")); err != nil {
		t.Fatal(err)
	}
	feedSession(t, s, p.take())

	got := ev.data[1]
	if len(got) != 2 {
		t.Fatalf("got %d OnData calls, want 2", len(got))
	}
	if string(got[0]) != "first frame" || string(got[1]) != "second" {
		t.Errorf("aggregates = %q, %q", got[0], got[1])
	}
}

func TestChunksAggregateAcrossCallbacks(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "POST", ":path", "/")
	feedSession(t, s, p.take())

	// One frame's payload arriving as two chunk callbacks delivers once,
	// with the full aggregate, only at frame completion.
	s.OnDataChunk(1, []byte("abcdef"))
	s.OnDataChunk(1, []byte("ghij"))
	if len(ev.data[1]) != 0 {
		t.Fatal("OnData fired before frame completion")
	}
	s.OnFrameReceived(engine.FrameInfo{Type: http2.FrameData, StreamID: 1, Length: 10})

	got := ev.data[1]
	if len(got) != 1 {
		t.Fatalf("got %d OnData calls, want 1", len(got))
	}
	if string(got[0]) != "abcdefghij" {
		t.Errorf("aggregate = %q, want %q", got[0], "abcdefghij")
	}
	if st := s.FindStream(1); st.chunks.Length() != 0 {
		t.Errorf("chunk queue not drained: %d left", st.chunks.Length())
	}
}

func TestDataFrameForUnknownStreamPanics(t *testing.T) {
	s, _, _ := newServerSession(t)
	defer func() {
		if recover() == nil {
			t.Fatal("no panic on DATA frame for unregistered stream")
		}
	}()
	s.handleDataFrame(engine.FrameInfo{Type: http2.FrameData, StreamID: 99, Length: 1})
}

func TestWriteRequiresPreface(t *testing.T) {
	s, _, _ := newServerSession(t)
	if _, err := s.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err == nil {
		t.Fatal("bad preface accepted")
	}
}

func TestPrefaceSplitAcrossWrites(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, true, ":method", "GET", ":path", "/")
	wire := p.take()

	feedSession(t, s, wire[:10])
	feedSession(t, s, wire[10:])
	if len(ev.headers) != 1 {
		t.Fatalf("got %d header deliveries after split preface, want 1", len(ev.headers))
	}
}

func TestWriteCompletionsFIFO(t *testing.T) {
	s, tr, _ := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, true, ":method", "GET", ":path", "/")
	feedSession(t, s, p.take())

	st := s.FindStream(1)
	if err := st.SubmitResponse([]hpack.HeaderField{{Name: ":status", Value: "200"}}, false); err != nil {
		t.Fatal(err)
	}
	var order []int
	st.Write([][]byte{[]byte("www")}, func(err error) {
		if err != nil {
			t.Errorf("W1 completion error: %v", err)
		}
		order = append(order, 1)
	})
	st.Write([][]byte{[]byte("xx"), []byte("yy")}, func(err error) {
		if err != nil {
			t.Errorf("W2 completion error: %v", err)
		}
		order = append(order, 2)
	})
	st.Write([][]byte{[]byte("zzzz")}, func(err error) {
		if err != nil {
			t.Errorf("W3 completion error: %v", err)
		}
		order = append(order, 3)
	})
	if len(order) != 0 {
		t.Fatal("completions fired before any bytes were pulled")
	}
	s.SendPendingData()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("completion order = %v, want [1 2 3]", order)
	}
	if got := string(dataPayloads(t, tr.wire())[1]); got != "wwwxxyyzzzz" {
		t.Errorf("wire payload = %q, want %q", got, "wwwxxyyzzzz")
	}
}

func TestWriteBeforeResponseHoldsDataForHeaders(t *testing.T) {
	s, tr, _ := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, true, ":method", "GET", ":path", "/")
	feedSession(t, s, p.take())
	tr.flushes = nil

	// Writing before the response headers is legal; the bytes must queue
	// until a response attaches the stream's data source.
	st := s.FindStream(1)
	st.Write([][]byte{[]byte("body")}, nil)
	s.SendPendingData()
	if got := dataPayloads(t, tr.wire())[1]; len(got) != 0 {
		t.Fatalf("DATA on the wire before response headers: %q", got)
	}

	if err := st.SubmitResponse([]hpack.HeaderField{{Name: ":status", Value: "200"}}, false); err != nil {
		t.Fatal(err)
	}
	s.SendPendingData()

	fr := http2.NewFramer(io.Discard, bytes.NewReader(tr.wire()))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	sawHeaders := false
	var body []byte
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("parse output: %v", err)
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			sawHeaders = true
		case *http2.DataFrame:
			if !sawHeaders {
				t.Fatal("DATA precedes the response HEADERS")
			}
			body = append(body, f.Data()...)
		}
	}
	if string(body) != "body" {
		t.Errorf("body = %q, want %q", body, "body")
	}
}

func TestShutdownFinishesStreamWithTrailers(t *testing.T) {
	s, tr, ev := newServerSession(t)
	ev.trailerFields = []hpack.HeaderField{{Name: "x-checksum", Value: "ok"}}
	p := newClientPeer()
	p.request(t, 1, true, ":method", "GET", ":path", "/")
	feedSession(t, s, p.take())

	st := s.FindStream(1)
	if err := st.SubmitResponse([]hpack.HeaderField{{Name: ":status", Value: "200"}}, false); err != nil {
		t.Fatal(err)
	}
	st.Write([][]byte{[]byte("body")}, nil)
	st.Shutdown()
	s.SendPendingData()

	if len(ev.closes) != 1 || ev.closes[0] != 1 {
		t.Fatalf("closes = %v, want [1]", ev.closes)
	}
	if s.FindStream(1) != nil {
		t.Error("stream still registered after close")
	}

	// The trailer block follows the final DATA frame.
	fr := http2.NewFramer(io.Discard, bytes.NewReader(tr.wire()))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	sawData := false
	sawTrailers := false
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("parse output: %v", err)
		}
		switch f := f.(type) {
		case *http2.DataFrame:
			sawData = true
		case *http2.MetaHeadersFrame:
			if sawData {
				sawTrailers = true
				if got := f.Fields[0].Name; got != "x-checksum" {
					t.Errorf("trailer field = %s", got)
				}
			}
		}
	}
	if !sawTrailers {
		t.Fatal("no trailer block after final DATA")
	}
}

func TestSendPipelineRoundTrip(t *testing.T) {
	const total = 200000
	s, tr, _ := newServerSession(t)
	p := newClientPeer()
	if err := p.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20}); err != nil {
		t.Fatal(err)
	}
	if err := p.fr.WriteWindowUpdate(0, 1<<20); err != nil {
		t.Fatal(err)
	}
	p.request(t, 1, true, ":method", "GET", ":path", "/big")
	feedSession(t, s, p.take())
	tr.flushes = nil
	tr.flushSizes = nil

	st := s.FindStream(1)
	if err := st.SubmitResponse([]hpack.HeaderField{{Name: ":status", Value: "200"}}, false); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	completed := false
	st.Write([][]byte{payload}, func(err error) {
		if err != nil {
			t.Errorf("completion error: %v", err)
		}
		completed = true
	})
	s.SendPendingData()

	if !completed {
		t.Fatal("write completion never fired")
	}
	for i, n := range tr.flushSizes {
		if n > 65536 {
			t.Fatalf("flush %d is %d bytes, buffer capacity is 65536", i, n)
		}
		if i < len(tr.flushSizes)-1 && n != 65536 {
			t.Errorf("intermediate flush %d is %d bytes, want a full buffer", i, n)
		}
	}
	got := dataPayloads(t, tr.wire())[1]
	if len(got) != total {
		t.Fatalf("round-trip delivered %d bytes, want %d", len(got), total)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-trip bytes differ from original")
	}
}

func TestResetFlushesThenCloses(t *testing.T) {
	s, tr, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "POST", ":path", "/")
	feedSession(t, s, p.take())

	st := s.FindStream(1)
	if err := st.SubmitRstStream(http2.ErrCodeCancel); err != nil {
		t.Fatal(err)
	}
	s.SendPendingData()

	if len(ev.closes) != 1 || ev.codes[0] != http2.ErrCodeCancel {
		t.Fatalf("closes = %v codes = %v", ev.closes, ev.codes)
	}
	if s.FindStream(1) != nil {
		t.Error("stream still findable after reset")
	}
	sawRst := false
	fr := http2.NewFramer(io.Discard, bytes.NewReader(tr.wire()))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			break
		}
		if rf, ok := f.(*http2.RSTStreamFrame); ok && rf.ErrCode == http2.ErrCodeCancel {
			sawRst = true
		}
	}
	if !sawRst {
		t.Error("no RST_STREAM on the wire")
	}
}

func TestPriorityForwarded(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "GET", ":path", "/")
	if err := p.fr.WritePriority(1, http2.PriorityParam{StreamDep: 0, Weight: 200}); err != nil {
		t.Fatal(err)
	}
	feedSession(t, s, p.take())

	if len(ev.priority) != 1 || ev.priority[0] != 1 {
		t.Fatalf("priority events = %v, want [1]", ev.priority)
	}
}

func TestSettingsForwarded(t *testing.T) {
	s, _, ev := newServerSession(t)
	p := newClientPeer()
	if err := p.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	feedSession(t, s, p.take())
	if ev.settings != 1 {
		t.Errorf("OnSettings fired %d times, want 1", ev.settings)
	}
}

func TestCloseTeardownOrder(t *testing.T) {
	s, tr, ev := newServerSession(t)
	p := newClientPeer()
	p.request(t, 1, false, ":method", "GET", ":path", "/")
	feedSession(t, s, p.take())

	s.Close()
	if !tr.tickStopped {
		t.Error("flush tick not cancelled")
	}
	if s.FindStream(1) != nil {
		t.Error("stream survives teardown")
	}
	if ev.freed != 1 {
		t.Errorf("OnSessionFreed fired %d times, want 1", ev.freed)
	}
	s.Close()
	if ev.freed != 1 {
		t.Error("second Close re-fired OnSessionFreed")
	}
	if _, err := s.Write([]byte("x")); err != ErrSessionClosed {
		t.Errorf("Write after Close = %v, want ErrSessionClosed", err)
	}
}

func TestClientSessionSendsPreface(t *testing.T) {
	tr := &testTransport{}
	ev := newTestEvents()
	s, err := NewSession(tr, ev, RoleClient, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.SubmitRequest(http2.PriorityParam{}, []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if st.ID() != 1 {
		t.Errorf("first client stream id = %d, want 1", st.ID())
	}
	s.SendPendingData()

	wire := tr.wire()
	if !strings.HasPrefix(string(wire), http2.ClientPreface) {
		t.Fatal("client output does not start with the connection preface")
	}
	fr := http2.NewFramer(io.Discard, bytes.NewReader(wire[len(http2.ClientPreface):]))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("parse first frame: %v", err)
	}
	if _, ok := f.(*http2.SettingsFrame); !ok {
		t.Errorf("first frame after preface = %T, want SETTINGS", f)
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.SendBufferSize != 65536 {
		t.Errorf("SendBufferSize = %d", cfg.SendBufferSize)
	}
	if cfg.InitialWindowSize != 65535 {
		t.Errorf("InitialWindowSize = %d", cfg.InitialWindowSize)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}
