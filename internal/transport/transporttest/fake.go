// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/livesync/internal/transport"
)

// ErrRefused is returned by Dial while refusals are pending.
var ErrRefused = errors.New("connection refused")

// Factory is a scriptable transport.Factory.
type Factory struct {
	mu       sync.Mutex
	refuse   int
	refuseFn func(req transport.Request) error
	held     bool
	gate     chan struct{}
	requests []transport.Request
	conns    []*Conn
	dialed   chan struct{}
	now      func() time.Time
}

// NewFactory creates a factory whose dials succeed immediately.
func NewFactory() *Factory {
	return &Factory{
		dialed: make(chan struct{}, 64),
		now:    time.Now,
	}
}

// SetNow sets the clock used to stamp delivered frames.
func (f *Factory) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Refuse makes the next n dials fail with ErrRefused.
func (f *Factory) Refuse(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = n
}

// RefuseWith makes every dial consult fn; a non-nil result fails the dial.
func (f *Factory) RefuseWith(fn func(req transport.Request) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseFn = fn
}

// Hold makes subsequent dials block until Release or their context ends.
func (f *Factory) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
	f.gate = make(chan struct{})
}

// Release unblocks held dials and stops holding.
func (f *Factory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		f.held = false
		close(f.gate)
	}
}

// Dial implements transport.Factory.
func (f *Factory) Dial(ctx context.Context, req transport.Request, h transport.Handler) (transport.Conn, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate := f.gate
	held := f.held
	f.mu.Unlock()

	select {
	case f.dialed <- struct{}{}:
	default:
	}

	if held {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", req.Endpoint, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", req.Endpoint, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse > 0 {
		f.refuse--
		return nil, fmt.Errorf("dial %s: %w", req.Endpoint, ErrRefused)
	}
	if f.refuseFn != nil {
		if err := f.refuseFn(req); err != nil {
			return nil, fmt.Errorf("dial %s: %w", req.Endpoint, err)
		}
	}

	c := &Conn{handler: h, request: req, now: f.now}
	f.conns = append(f.conns, c)
	return c, nil
}

// Dialed signals (best effort) each time Dial is entered.
func (f *Factory) Dialed() <-chan struct{} {
	return f.dialed
}

// Requests returns every dial request seen.
func (f *Factory) Requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.requests...)
}

// DialCount returns the number of dials attempted.
func (f *Factory) DialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Conns returns every connection opened, oldest first.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recent connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Live returns the connections that have not been closed locally.
func (f *Factory) Live() []*Conn {
	f.mu.Lock()
	conns := append([]*Conn(nil), f.conns...)
	f.mu.Unlock()

	var live []*Conn
	for _, c := range conns {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	return live
}

// Conn is an in-memory transport.Conn.
type Conn struct {
	handler transport.Handler
	request transport.Request
	now     func() time.Time

	mu         sync.Mutex
	written    [][]byte
	pings      int
	closed     bool
	ended      bool
	failWrites error
}

// Request returns the dial request that opened this connection.
func (c *Conn) Request() transport.Request {
	return c.request
}

// Write implements transport.Conn.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ended {
		return transport.ErrClosed
	}
	if c.failWrites != nil {
		return c.failWrites
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// Ping implements transport.Conn.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ended {
		return transport.ErrClosed
	}
	c.pings++
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailWrites makes every later Write return err; nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = err
}

// Written returns a copy of every frame written.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Pings returns the number of probes sent.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver simulates an inbound frame. It is ignored once the connection has
// ended.
func (c *Conn) Deliver(data []byte) {
	if !c.active() {
		return
	}
	c.handler.OnFrame(data, c.now())
}

// Pong simulates a liveness reply.
func (c *Conn) Pong() {
	if !c.active() {
		return
	}
	c.handler.OnPong()
}

// PeerClose simulates the server closing the connection.
func (c *Conn) PeerClose(code int, reason string) {
	if !c.end() {
		return
	}
	c.handler.OnClose(code, reason)
}

// Drop simulates an abrupt network failure.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	if !c.end() {
		return
	}
	c.handler.OnError(err)
}

func (c *Conn) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.ended
}

// end marks the read side finished; false if it already was or the
// connection was closed locally.
func (c *Conn) end() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ended {
		return false
	}
	c.ended = true
	return true
}
