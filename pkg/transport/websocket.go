package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConn wraps a gorilla WebSocket connection.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn takes ownership of ws and starts its writer.
func NewWSConn(ws *websocket.Conn, opts Options, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	c := &WSConn{
		id:     uuid.New().String(),
		ws:     ws,
		opts:   opts,
		logger: logger,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(opts.MaxFrameSize)
	go c.writeLoop()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close stops the connection. Frames already queued are flushed before the
// close frame is written.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// ReadLoop delivers each inbound text frame to onFrame until the connection
// fails or is closed. It closes the connection before returning.
func (c *WSConn) ReadLoop(onFrame func(frame []byte)) error {
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if kind != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.String("conn_id", c.id))
			continue
		}
		onFrame(frame)
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("Write failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

func (c *WSConn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Upgrader accepts inbound WebSocket connections for the federation
// endpoint. Peers and clients share the same endpoint.
type Upgrader struct {
	ws     websocket.Upgrader
	opts   Options
	logger *zap.Logger
}

func NewUpgrader(opts Options, logger *zap.Logger) *Upgrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Upgrader{
		ws: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger,
	}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := u.ws.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewWSConn(ws, u.opts, u.logger), nil
}

// Dial opens an outbound connection to a peer at url (ws:// or wss://).
func Dial(ctx context.Context, url string, tlsConfig *tls.Config, opts Options, logger *zap.Logger) (*WSConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSConn(ws, opts, logger), nil
}
