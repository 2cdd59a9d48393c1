package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDegraded
	StateClosing
	StateClosed
	StateDisposed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a wire name back to a State.
func ParseState(name string) (State, error) {
	for s := StateIdle; s <= StateDisposed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", name)
}

// Kind distinguishes transitions from advisory events.
type Kind string

const (
	// KindTransition reports a state change.
	KindTransition Kind = "transition"
	// KindWarning reports a non-fatal condition (queue overflow, expired messages).
	KindWarning Kind = "warning"
	// KindGiveUp reports that reconnection stopped after exhausting its attempts.
	KindGiveUp Kind = "give_up"
)

// Event is delivered to observers.
type Event struct {
	State     State         `json:"state"`
	Kind      Kind          `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`  // Reconnect attempt scheduled after this event
	RetryIn   time.Duration `json:"retry_in,omitempty"` // Delay before that attempt
}

// Observer receives status events.
type Observer func(Event)

type observer struct {
	id      uint64
	fn      Observer
	removed bool
}

// Broadcaster fans status events out to observers.
//
// Emit is expected to be called from a single goroutine (the session loop);
// OnStatusChange and the returned unsubscribe functions are safe from anywhere.
type Broadcaster struct {
	logger *slog.Logger

	mu        sync.Mutex
	observers []*observer
	nextID    uint64
	closed    bool

	emitted uint64
	panics  uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger}
}

// OnStatusChange registers fn and returns a function that removes it.
// The unsubscribe function is idempotent and takes effect immediately, even
// in the middle of an emission.
func (b *Broadcaster) OnStatusChange(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	o := &observer{id: b.nextID, fn: fn}
	if !b.closed {
		b.observers = append(b.observers, o)
	}
	b.mu.Unlock()

	return func() { b.remove(o.id) }
}

// Emit delivers e to every current observer in registration order.
// Observers that panic are logged and skipped. After Close, Emit is a no-op.
func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.emitted++
	snapshot := make([]*observer, len(b.observers))
	copy(snapshot, b.observers)
	b.mu.Unlock()

	for _, o := range snapshot {
		if b.isRemoved(o) {
			continue
		}
		b.deliver(o, e)
	}
}

// Close drops every observer and silences later emissions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.observers {
		o.removed = true
	}
	b.observers = nil
	b.closed = true
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Emitted returns the number of events emitted so far.
func (b *Broadcaster) Emitted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.observers {
		if o.id == id {
			o.removed = true
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) isRemoved(o *observer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return o.removed
}

func (b *Broadcaster) deliver(o *observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.panics++
			b.mu.Unlock()
			b.logger.Error("status observer panicked",
				"state", e.State,
				"kind", e.Kind,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	o.fn(e)
}
