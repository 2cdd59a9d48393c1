package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/livesync/internal/backoff"
	"github.com/rickgao/livesync/internal/heartbeat"
	"github.com/rickgao/livesync/internal/loop"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/status"
	"github.com/rickgao/livesync/internal/subscription"
)

// Errors returned to callers. Network failures are never returned; they are
// reported as status events.
var (
	ErrDisposed       = errors.New("session disposed")
	ErrClosing        = errors.New("connection closing")
	ErrUnserializable = errors.New("payload is not serializable")
	ErrEmptyChannel   = errors.New("channel is required")
	ErrNoOutbox       = errors.New("no outbox configured")
)

// State re-exports the lifecycle state.
type State = status.State

// Lifecycle states.
const (
	StateIdle       = status.StateIdle
	StateConnecting = status.StateConnecting
	StateOpen       = status.StateOpen
	StateDegraded   = status.StateDegraded
	StateClosing    = status.StateClosing
	StateClosed     = status.StateClosed
	StateDisposed   = status.StateDisposed
)

// DisposePolicy decides what happens to queued messages on disposal.
type DisposePolicy string

const (
	DisposeDrop    DisposePolicy = "drop"    // Discard and log
	DisposeReject  DisposePolicy = "reject"  // Hand each message to the reject handler with ErrDisposed
	DisposePersist DisposePolicy = "persist" // Save to the outbox for a later Restore
)

// ParseDisposePolicy parses a policy name. Empty means drop.
func ParseDisposePolicy(s string) (DisposePolicy, error) {
	switch DisposePolicy(s) {
	case "", DisposeDrop:
		return DisposeDrop, nil
	case DisposeReject, DisposePersist:
		return DisposePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown dispose policy %q", s)
	}
}

// ReauthPolicy decides how a token update affects a live connection.
type ReauthPolicy string

const (
	ReauthDeferred  ReauthPolicy = "deferred"  // Use the token on the next connect attempt
	ReauthReconnect ReauthPolicy = "reconnect" // Cycle a live connection immediately
)

// ParseReauthPolicy parses a policy name. Empty means deferred.
func ParseReauthPolicy(s string) (ReauthPolicy, error) {
	switch ReauthPolicy(s) {
	case "", ReauthDeferred:
		return ReauthDeferred, nil
	case ReauthReconnect:
		return ReauthReconnect, nil
	default:
		return "", fmt.Errorf("unknown reauth policy %q", s)
	}
}

// Config configures the Connection Manager.
type Config struct {
	Endpoint       string        // Server URL, e.g. wss://example.com/ws
	ConnectTimeout time.Duration // Bound on token fetch plus handshake
	Heartbeat      heartbeat.Config
	Queue          queue.Config
	Reconnect      backoff.Policy
	DisposePolicy  DisposePolicy
	ReauthPolicy   ReauthPolicy
	OutboxKey      string        // Session key for persisted messages
	PersistTimeout time.Duration // Bound on saving to the outbox during disposal
}

// DefaultConfig returns sensible defaults. Endpoint must still be set.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		Heartbeat:      heartbeat.DefaultConfig(),
		Queue:          queue.DefaultConfig(),
		Reconnect:      backoff.DefaultPolicy(),
		DisposePolicy:  DisposeDrop,
		ReauthPolicy:   ReauthDeferred,
		PersistTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if c.Queue.MaxSize < 0 {
		return errors.New("queue max size must be >= 0")
	}
	if c.Queue.MaxAge < 0 {
		return errors.New("queue max age must be >= 0")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if _, err := ParseDisposePolicy(string(c.DisposePolicy)); err != nil {
		return err
	}
	if _, err := ParseReauthPolicy(string(c.ReauthPolicy)); err != nil {
		return err
	}
	if c.DisposePolicy == DisposePersist && c.OutboxKey == "" {
		return errors.New("outbox key is required for the persist dispose policy")
	}
	return nil
}

// CloseReason records why the last connection ended.
type CloseReason struct {
	Code int    `json:"code,omitempty"`
	Text string `json:"text"`
}

// Connection is a point-in-time view of the managed connection.
type Connection struct {
	State        State        `json:"state"`
	Endpoint     string       `json:"endpoint"`
	SessionID    string       `json:"session_id,omitempty"`
	Generation   uint64       `json:"generation"`
	LastOpenedAt time.Time    `json:"last_opened_at,omitempty"`
	LastClosedAt time.Time    `json:"last_closed_at,omitempty"`
	CloseReason  *CloseReason `json:"close_reason,omitempty"`
	Attempts     int          `json:"attempts"` // Reconnect attempts since the last open
	GaveUp       bool         `json:"gave_up"`
}

// Stats provides statistics about the manager.
type Stats struct {
	State         State              `json:"state"`
	Dials         int64              `json:"dials"`
	Opens         int64              `json:"opens"`
	Losses        int64              `json:"losses"`
	Sent          int64              `json:"sent"`
	SentAtRisk    int64              `json:"sent_at_risk"` // Written while degraded
	Queued        int64              `json:"queued"`
	Evicted       int64              `json:"evicted"`
	Expired       int64              `json:"expired"`
	Malformed     int64              `json:"malformed"`
	Received      int64              `json:"received"`
	Queue         queue.Stats        `json:"queue"`
	Subscriptions subscription.Stats `json:"subscriptions"`
	Loop          loop.Stats         `json:"loop"`
	Heartbeat     heartbeat.Stats    `json:"heartbeat"`
}
