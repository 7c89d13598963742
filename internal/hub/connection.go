package hub

import (
	"time"
)

// Sink is the writable half of a client stream. Transports own the
// underlying stream; the hub only writes to it and asks it to close when a
// connection is forcibly drained.
type Sink interface {
	// Write delivers one wire frame. An error means the stream is dead.
	Write(p []byte) error
	// Closed reports whether the stream is already known to be dead.
	Closed() bool
	// Close tears the stream down. Must be safe to call more than once.
	Close() error
}

// ConnectionInfo carries the identity a transport attaches to a stream at
// registration time. Immutable afterwards.
type ConnectionInfo struct {
	RemoteAddr   string
	UserAgent    string
	TabID        string
	UserID       string
	SessionID    string
	Origin       string
	RegisteredAt time.Time
}

// connection is the hub's routing reference to one live stream.
type connection struct {
	id   int64
	sink Sink
	info ConnectionInfo
}

// ConnectionSummary is the read-only projection of a live connection used by
// diagnostics endpoints.
type ConnectionSummary struct {
	ID           int64     `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	TabID        string    `json:"tab_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	AgeSeconds   float64   `json:"age_seconds"`
}
