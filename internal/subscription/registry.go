package subscription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is an inbound message routed by channel.
type Message struct {
	Channel    string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Channel, err)
	}
	return nil
}

// Listener handles messages for one channel. A returned error is logged and
// does not affect other listeners.
type Listener func(Message) error

// Handle identifies one (channel, listener) binding.
type Handle string

type binding struct {
	handle   Handle
	channel  string
	listener Listener
	removed  bool
}

// Registry routes inbound messages to channel listeners.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string][]*binding
	byHandle map[Handle]*binding

	stats Stats
}

// Stats contains dispatch counters.
type Stats struct {
	Dispatched     uint64 // Messages with at least one listener
	Dropped        uint64 // Messages for channels with no listeners
	Deliveries     uint64 // Listener invocations
	ListenerErrors uint64 // Listener errors and recovered panics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		channels: make(map[string][]*binding),
		byHandle: make(map[Handle]*binding),
	}
}

// Subscribe binds listener to channel and returns its handle.
func (r *Registry) Subscribe(channel string, listener Listener) Handle {
	b := &binding{
		handle:   Handle(uuid.NewString()),
		channel:  channel,
		listener: listener,
	}

	r.mu.Lock()
	r.channels[channel] = append(r.channels[channel], b)
	r.byHandle[b.handle] = b
	r.mu.Unlock()

	r.logger.Debug("subscribed", "channel", channel, "handle", b.handle)
	return b.handle
}

// Unsubscribe removes exactly one listener. It takes effect immediately: a
// dispatch in progress will not invoke the removed listener. Returns false
// for unknown handles.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byHandle[h]
	if !ok {
		return false
	}
	b.removed = true
	delete(r.byHandle, h)

	list := r.channels[b.channel]
	for i, candidate := range list {
		if candidate == b {
			// Fresh backing array so snapshots held by Dispatch stay intact.
			next := make([]*binding, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			list = next
			break
		}
	}
	if len(list) == 0 {
		delete(r.channels, b.channel)
	} else {
		r.channels[b.channel] = list
	}
	return true
}

// Dispatch invokes every listener of msg.Channel in subscription order and
// returns how many were invoked. Messages for channels without listeners are
// dropped.
func (r *Registry) Dispatch(msg Message) int {
	r.mu.Lock()
	snapshot := r.channels[msg.Channel]
	if len(snapshot) == 0 {
		r.stats.Dropped++
		r.mu.Unlock()
		r.logger.Debug("no listeners, dropping message", "channel", msg.Channel)
		return 0
	}
	r.stats.Dispatched++
	r.mu.Unlock()

	invoked := 0
	for _, b := range snapshot {
		if r.isRemoved(b) {
			continue
		}
		invoked++
		if err := r.invoke(b, msg); err != nil {
			r.mu.Lock()
			r.stats.ListenerErrors++
			r.mu.Unlock()
			r.logger.Warn("listener failed",
				"channel", msg.Channel,
				"handle", b.handle,
				"error", err,
			)
		}
	}

	r.mu.Lock()
	r.stats.Deliveries += uint64(invoked)
	r.mu.Unlock()
	return invoked
}

// Clear removes every binding.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.byHandle {
		b.removed = true
	}
	r.channels = make(map[string][]*binding)
	r.byHandle = make(map[Handle]*binding)
}

// Len returns the total number of bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

// Channels returns the sorted names of channels with at least one listener.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns dispatch counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Registry) isRemoved(b *binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return b.removed
}

// invoke calls the listener, converting a panic into an error.
func (r *Registry) invoke(b *binding, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	if b.listener == nil {
		return nil
	}
	return b.listener(msg)
}
