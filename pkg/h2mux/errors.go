package h2mux

import (
	"errors"

	"github.com/jasnell/http2-1/internal/engine"
)

// ProtocolError is a connection-fatal violation reported by the protocol
// engine. Any operation returning one should be followed by Close.
type ProtocolError = engine.ProtocolError

var (
	// ErrStreamClosedForWrite is delivered to a write's completion callback
	// when the stream can no longer accept outbound data.
	ErrStreamClosedForWrite = errors.New("h2mux: stream closed for writing")

	// ErrSessionClosed is returned by operations invoked after Close.
	ErrSessionClosed = errors.New("h2mux: session closed")

	// ErrStreamNotFound is returned by submit operations targeting an id
	// with no live stream.
	ErrStreamNotFound = errors.New("h2mux: stream not found")
)
