package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/livesync/internal/protocol"
)

const (
	writeWait   = 5 * time.Second
	sendBuffer  = 64
	readLimitWS = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected websocket peer.
type client struct {
	id       string
	conn     *websocket.Conn
	outgoing chan []byte
}

// hub fans message frames out to every connected client, including the
// sender.
type hub struct {
	token  string // Required bearer token; empty disables auth
	codec  protocol.JSON
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func newHub(token string, logger *slog.Logger) *hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		token:   token,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimitWS)

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		outgoing: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("client connected", "session_id", c.id, "remote", r.RemoteAddr)

	h.wg.Add(1)
	go h.writeLoop(c)

	if welcome, err := h.codec.Encode(&protocol.Frame{Type: protocol.TypeWelcome, SessionID: c.id}); err == nil {
		c.outgoing <- welcome
	}

	h.readLoop(c)
}

// Close disconnects every client.
func (h *hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		close(c.outgoing)
		h.mu.Unlock()
		c.conn.Close()
		h.logger.Info("client disconnected", "session_id", c.id)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := h.codec.Decode(data)
		if err != nil {
			h.sendError(c, err.Error())
			continue
		}

		switch frame.Type {
		case protocol.TypeMessage:
			h.broadcast(data)
		case protocol.TypePing:
			if pong, err := h.codec.Encode(&protocol.Frame{Type: protocol.TypePong, ID: frame.ID}); err == nil {
				h.send(c, pong)
			}
		case protocol.TypePong:
		default:
			h.sendError(c, "unexpected frame type "+string(frame.Type))
		}
	}
}

func (h *hub) writeLoop(c *client) {
	defer h.wg.Done()
	for data := range c.outgoing {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("write failed", "session_id", c.id, "error", err)
			c.conn.Close()
			return
		}
	}
}

func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.outgoing <- data:
		default:
			h.logger.Warn("client too slow, dropping frame", "session_id", c.id)
		}
	}
}

// send queues data for one client. Only called from the client's readLoop.
func (h *hub) send(c *client, data []byte) {
	select {
	case c.outgoing <- data:
	default:
		h.logger.Warn("client too slow, dropping frame", "session_id", c.id)
	}
}

func (h *hub) sendError(c *client, msg string) {
	if data, err := h.codec.Encode(&protocol.Frame{Type: protocol.TypeError, Error: msg}); err == nil {
		h.send(c, data)
	}
}
