package h2mux

// TickHandle cancels a recurring flush registration.
type TickHandle interface {
	Stop()
}

// Transport is the non-blocking byte sink a session flushes into. Buffer
// ownership transfers to the transport on Send; the session never touches a
// buffer again after handing it over.
type Transport interface {
	// AllocateSendBuffer returns a buffer of at least sizeHint bytes.
	AllocateSendBuffer(sizeHint int) []byte

	// Send transmits the first n bytes of buf. Must not block.
	Send(buf []byte, n int)

	// RegisterTick arranges for fn to run periodically on the connection's
	// event loop and returns a handle to cancel it.
	RegisterTick(fn func()) TickHandle
}
