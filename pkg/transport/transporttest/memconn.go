// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"socp/pkg/envelope"
	"socp/pkg/transport"
)

// MemConn records every frame sent on it.
type MemConn struct {
	id   string
	addr string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	done   chan struct{}
}

var _ transport.Conn = (*MemConn)(nil)

func NewMemConn(addr string) *MemConn {
	return &MemConn{id: uuid.New().String(), addr: addr, done: make(chan struct{})}
}

func (c *MemConn) ID() string            { return c.id }
func (c *MemConn) RemoteAddr() string    { return c.addr }
func (c *MemConn) Done() <-chan struct{} { return c.done }

func (c *MemConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *MemConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Envelopes decodes every recorded frame.
func (c *MemConn) Envelopes(t testing.TB) []*envelope.Envelope {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.frames...)
	c.mu.Unlock()

	out := make([]*envelope.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := envelope.Parse(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// OfType returns the recorded envelopes with the given type.
func (c *MemConn) OfType(t testing.TB, typ envelope.Type) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for _, env := range c.Envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// Payload decodes the payload of env into a generic map.
func Payload(t testing.TB, env *envelope.Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	return m
}

// Drain returns the recorded frames and forgets them.
func (c *MemConn) Drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames
	c.frames = nil
	return frames
}

// Reset drops the recorded frames.
func (c *MemConn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
