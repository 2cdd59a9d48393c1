package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("not connected")
)

// Request describes one dial.
type Request struct {
	Endpoint string
	Token    string
}

// Handler receives transport events. Calls for one Conn are made from a
// single goroutine. Once Close has been called, further calls are suppressed
// except for one that may already be in progress.
type Handler interface {
	// OnFrame delivers one inbound data frame with its local receive time.
	OnFrame(data []byte, receivedAt time.Time)

	// OnPong reports a liveness reply from the peer.
	OnPong()

	// OnClose reports that the peer closed the connection.
	OnClose(code int, reason string)

	// OnError reports an abnormal end of the connection.
	OnError(err error)
}

// Conn is an open duplex channel.
type Conn interface {
	// Write sends one data frame.
	Write(data []byte) error

	// Ping sends a liveness probe.
	Ping() error

	// Close releases the connection. No handler calls follow.
	Close() error
}

// Factory opens connections.
type Factory interface {
	// Dial blocks until the connection is open, ctx is done, or the dial fails.
	// After a successful dial exactly one of OnClose or OnError is delivered
	// when the read side ends, unless Close was called first.
	Dial(ctx context.Context, req Request, h Handler) (Conn, error)
}

// CloseError reports a close initiated by the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed by peer: code %d", e.Code)
	}
	return fmt.Sprintf("closed by peer: code %d: %s", e.Code, e.Reason)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Frame func(data []byte, receivedAt time.Time)
	Pong  func()
	Close func(code int, reason string)
	Error func(err error)
}

// OnFrame implements Handler.
func (h HandlerFuncs) OnFrame(data []byte, receivedAt time.Time) {
	if h.Frame != nil {
		h.Frame(data, receivedAt)
	}
}

// OnPong implements Handler.
func (h HandlerFuncs) OnPong() {
	if h.Pong != nil {
		h.Pong()
	}
}

// OnClose implements Handler.
func (h HandlerFuncs) OnClose(code int, reason string) {
	if h.Close != nil {
		h.Close(code, reason)
	}
}

// OnError implements Handler.
func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}
