package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/livesync/internal/queue"
)

// ErrEmptyKey is returned when a store operation has no session key.
var ErrEmptyKey = errors.New("outbox key is required")

// Store persists pending outbound messages across sessions.
type Store interface {
	// Save appends msgs under key, preserving order. Messages whose ID is
	// already stored under key are skipped.
	Save(ctx context.Context, key string, msgs []queue.Message) error

	// Load returns every message stored under key, oldest first.
	Load(ctx context.Context, key string) ([]queue.Message, error)

	// Clear removes every message stored under key.
	Clear(ctx context.Context, key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	data map[string][]queue.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]queue.Message)}
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, key string, msgs []queue.Message) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.data[key]))
	for _, msg := range m.data[key] {
		seen[msg.ID] = struct{}{}
	}
	for _, msg := range msgs {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		m.data[key] = append(m.data[key], msg)
	}
	return nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, key string) ([]queue.Message, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Message(nil), m.data[key]...), nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of messages stored under key.
func (m *Memory) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[key])
}
