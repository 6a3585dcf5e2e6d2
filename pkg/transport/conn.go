// Package transport carries envelopes as text frames over WebSocket
// connections. Each connection owns a single writer goroutine so frames
// sent on one connection never interleave.
package transport

import (
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is a live bidirectional link to a peer node or a client.
type Conn interface {
	// ID is unique per connection for the process lifetime.
	ID() string
	// Send enqueues a frame without blocking.
	Send(frame []byte) error
	// Close is idempotent.
	Close() error
	RemoteAddr() string
	// Done is closed exactly once when the connection terminates.
	Done() <-chan struct{}
}

type Options struct {
	MaxFrameSize int64
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxFrameSize: 1 << 20,
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	return o
}
