package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	up := NewUpgrader(opts, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		_ = c.ReadLoop(func(frame []byte) {
			_ = c.Send(frame)
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSConnEchoPreservesOrder(t *testing.T) {
	srv := echoServer(t, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), nil, DefaultOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	received := make(chan string, 16)
	go c.ReadLoop(func(frame []byte) { received <- string(frame) })

	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, f := range want {
		require.NoError(t, c.Send([]byte(f)))
	}

	for _, f := range want {
		select {
		case got := <-received:
			assert.Equal(t, f, got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for echo")
		}
	}
}

func TestWSConnCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t, DefaultOptions())

	c, err := Dial(context.Background(), wsURL(srv), nil, DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
}

func TestWSConnReadLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFrameSize = 64
	srv := echoServer(t, opts)

	c, err := Dial(context.Background(), wsURL(srv), nil, DefaultOptions(), nil)
	require.NoError(t, err)
	defer c.Close()

	readDone := make(chan struct{})
	go func() {
		_ = c.ReadLoop(func([]byte) {})
		close(readDone)
	}()

	require.NoError(t, c.Send([]byte(strings.Repeat("x", 1024))))

	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("oversized frame did not terminate the connection")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/", nil, DefaultOptions(), nil)
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PingInterval: time.Second}.withDefaults()
	assert.Equal(t, int64(1<<20), o.MaxFrameSize)
	assert.Equal(t, 256, o.SendBuffer)
	assert.Equal(t, 2*time.Second, o.PongWait)
}
