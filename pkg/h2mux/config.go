// Package h2mux implements the per-connection multiplexing core of an
// HTTP/2 endpoint: stream lifecycle, inbound/outbound buffering, flow
// control gating, and the send-flush pipeline over a pluggable transport.
package h2mux

import (
	"io"
	"log"
)

// Role selects which side of the connection the session speaks for.
type Role int

// Session roles.
const (
	RoleServer Role = iota
	RoleClient
)

// Config holds the per-session tuning knobs.
type Config struct {
	SendBufferSize      int         // Capacity of each transport send buffer
	StreamPoolCapacity  int         // Recycled stream objects kept per session
	ChunkPoolCapacity   int         // Recycled inbound data chunks kept per session
	HeaderPoolCapacity  int         // Recycled header-list entries kept per session
	RequestPoolCapacity int         // Recycled write-request nodes kept per session
	MaxFrameSize        uint32      // Maximum accepted inbound frame size
	InitialWindowSize   uint32      // Per-stream receive window advertised to the peer
	PaddingCallback     bool        // Query Events.OnSelectPadding for DATA frames
	Logger              *log.Logger // Logger for session events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		SendBufferSize:      65536,
		StreamPoolCapacity:  1024,
		ChunkPoolCapacity:   1024,
		HeaderPoolCapacity:  1024,
		RequestPoolCapacity: 1024,
		MaxFrameSize:        1 << 20, // 1 MB
		InitialWindowSize:   65535,
		Logger:              newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 65536
	}
	if c.StreamPoolCapacity <= 0 {
		c.StreamPoolCapacity = 1024
	}
	if c.ChunkPoolCapacity <= 0 {
		c.ChunkPoolCapacity = 1024
	}
	if c.HeaderPoolCapacity <= 0 {
		c.HeaderPoolCapacity = 1024
	}
	if c.RequestPoolCapacity <= 0 {
		c.RequestPoolCapacity = 1024
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}
