package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/livesync/internal/transport"
)

// Config configures the websocket transport.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64  // Maximum inbound frame size in bytes; 0 means unlimited
	UserAgent        string // Sent on the upgrade request when set
	Header           http.Header
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// Factory dials websocket connections.
type Factory struct {
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewFactory creates a websocket transport factory.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial implements transport.Factory.
func (f *Factory) Dial(ctx context.Context, req transport.Request, h transport.Handler) (transport.Conn, error) {
	header := http.Header{}
	for k, v := range f.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Accept", "application/json")
	if req.Token != "" {
		header.Set("Authorization", "Bearer "+req.Token)
	}
	if f.cfg.UserAgent != "" {
		header.Set("User-Agent", f.cfg.UserAgent)
	}

	ws, resp, err := f.dialer.DialContext(ctx, req.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", req.Endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", req.Endpoint, err)
	}
	if f.cfg.ReadLimit > 0 {
		ws.SetReadLimit(f.cfg.ReadLimit)
	}

	c := &conn{
		ws:           ws,
		handler:      h,
		writeTimeout: f.cfg.WriteTimeout,
		logger:       f.logger,
		done:         make(chan struct{}),
	}

	// Server ping: reply with pong and count it as liveness.
	ws.SetPingHandler(func(data string) error {
		if !c.isClosed() {
			h.OnPong()
		}
		err := ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Server responds to our ping.
	ws.SetPongHandler(func(string) error {
		if !c.isClosed() {
			h.OnPong()
		}
		return nil
	})

	go c.readLoop()

	f.logger.Debug("websocket connected", "url", req.Endpoint)
	return c, nil
}

// conn implements transport.Conn over a gorilla websocket.
type conn struct {
	ws           *websocket.Conn
	handler      transport.Handler
	writeTimeout time.Duration
	logger       *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Write implements transport.Conn.
func (c *conn) Write(data []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Ping implements transport.Conn.
func (c *conn) Ping() error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

// Close implements transport.Conn.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Signal the read loop to stop
	close(c.done)

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop delivers frames until the connection ends.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Debug("websocket closed by peer", "code", closeErr.Code, "reason", closeErr.Text)
				c.handler.OnClose(closeErr.Code, closeErr.Text)
				return
			}
			c.logger.Debug("websocket read failed", "error", err)
			c.handler.OnError(err)
			return
		}

		if c.isClosed() {
			return
		}
		c.handler.OnFrame(data, receivedAt)
	}
}
