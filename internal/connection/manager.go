package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/backoff"
	"github.com/rickgao/livesync/internal/clock"
	"github.com/rickgao/livesync/internal/heartbeat"
	"github.com/rickgao/livesync/internal/loop"
	"github.com/rickgao/livesync/internal/outbox"
	"github.com/rickgao/livesync/internal/protocol"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/status"
	"github.com/rickgao/livesync/internal/subscription"
	"github.com/rickgao/livesync/internal/transport"
)

// Close codes used when the manager ends a connection itself.
const (
	CodeAbnormal = 1006 // Transport error without a close frame
	CodeLocal    = 4000 // Closed by this client
)

// Manager owns one logical connection: its state machine, heartbeat, outbound
// queue, subscriptions and reconnection schedule.
//
// All public methods are safe for concurrent use and none block on the
// network. State changes run on a serial loop; see package loop.
type Manager struct {
	cfg     Config
	factory transport.Factory
	tokens  auth.Provider
	codec   protocol.Codec
	clock   clock.Clock
	logger  *slog.Logger
	store   outbox.Store
	reject  func(queue.Message, error)
	newID   func() string
	jitter  func() float64

	// spawn runs blocking work (token fetch, dial) off the loop.
	spawn func(func())

	loop      *loop.Loop
	queue     *queue.Queue
	registry  *subscription.Registry
	status    *status.Broadcaster
	schedule  *backoff.Schedule
	heartbeat *heartbeat.Monitor

	// Loop-confined state
	state        State
	generation   uint64
	conn         transport.Conn
	cancelDial   context.CancelFunc
	retryTimer   clock.Timer
	retrySeq     uint64
	token        string
	tokenSet     bool
	sessionID    string
	lastOpenedAt time.Time
	lastClosedAt time.Time
	closeReason  *CloseReason
	gaveUp       bool
	backlog      []queue.Message // Messages awaiting the dispose policy

	// Published for readers on other goroutines
	published atomic.Int32
	snapMu    sync.RWMutex
	snap      Connection

	statsMu sync.Mutex
	stats   Stats

	// Restored copies still being cleared; persist waits so a clear never
	// removes messages saved after it.
	clearing sync.WaitGroup

	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithCodec sets the wire codec.
func WithCodec(c protocol.Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

// WithOutbox sets the store used by the persist dispose policy and Restore.
func WithOutbox(s outbox.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithRejectHandler sets the callback that receives queued messages under
// the reject dispose policy.
func WithRejectHandler(fn func(queue.Message, error)) Option {
	return func(m *Manager) {
		m.reject = fn
	}
}

// WithJitterSource sets the random source for backoff jitter, returning
// values in [0, 1).
func WithJitterSource(fn func() float64) Option {
	return func(m *Manager) {
		m.jitter = fn
	}
}

// WithIDGenerator sets the message ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a Manager in the idle state. tokens may be nil when the
// endpoint needs no authentication or tokens are supplied via
// UpdateAuthToken.
func NewManager(cfg Config, factory transport.Factory, tokens auth.Provider, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		tokens:  tokens,
		codec:   protocol.JSON{},
		clock:   clock.Real(),
		logger:  slog.Default(),
		newID:   uuid.NewString,
		spawn:   func(f func()) { go f() },
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.cfg.ConnectTimeout <= 0 {
		m.cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if m.cfg.PersistTimeout <= 0 {
		m.cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if m.cfg.DisposePolicy == "" {
		m.cfg.DisposePolicy = DisposeDrop
	}
	if m.cfg.ReauthPolicy == "" {
		m.cfg.ReauthPolicy = ReauthDeferred
	}

	m.loop = loop.New(m.logger.With("component", "loop"))
	m.queue = queue.New(cfg.Queue, m.clock.Now)
	m.registry = subscription.NewRegistry(m.logger.With("component", "subscriptions"))
	m.status = status.NewBroadcaster(m.logger.With("component", "status"))
	m.schedule = backoff.NewSchedule(cfg.Reconnect, m.jitter)
	m.heartbeat = heartbeat.New(
		cfg.Heartbeat,
		m.clock,
		func(f func()) { m.loop.Post(f) },
		m.probe,
		heartbeat.Callbacks{
			OnOverdue:   m.onHeartbeatOverdue,
			OnRecovered: m.onHeartbeatRecovered,
			OnExpired:   m.onHeartbeatExpired,
		},
		m.logger.With("component", "heartbeat"),
	)

	m.state = StateIdle
	m.published.Store(int32(StateIdle))
	m.snap = Connection{State: StateIdle, Endpoint: cfg.Endpoint}

	return m
}

// Connect starts connecting. It is a no-op unless the manager is idle or
// closed. Calling Connect after a give-up resets the attempt counter.
func (m *Manager) Connect() {
	m.post(func() { m.connect() })
}

// Send serializes payload and writes it on channel, or queues it until the
// connection is open. It returns the message ID. Only caller errors are
// returned; delivery failures are retried.
func (m *Manager) Send(channel string, payload any) (string, error) {
	switch m.State() {
	case StateDisposed:
		return "", ErrDisposed
	case StateClosing:
		return "", ErrClosing
	}
	if channel == "" {
		return "", ErrEmptyChannel
	}

	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	msg := queue.Message{
		ID:        m.newID(),
		Channel:   channel,
		Payload:   data,
		CreatedAt: m.clock.Now(),
	}
	if !m.post(func() { m.handleSend(msg) }) {
		return "", ErrDisposed
	}
	return msg.ID, nil
}

// DisposeSession ends the session permanently. Done is closed once disposal,
// including any outbox write, has finished.
func (m *Manager) DisposeSession() {
	m.post(func() { m.dispose() })
}

// Done returns a channel closed when disposal has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// UpdateAuthToken replaces the token used by later connect attempts. Under
// ReauthReconnect a live connection is cycled at once.
func (m *Manager) UpdateAuthToken(token string) {
	m.post(func() {
		if m.state == StateDisposed {
			return
		}
		m.token = token
		m.tokenSet = true
		m.logger.Info("auth token updated", "policy", m.cfg.ReauthPolicy)

		if m.cfg.ReauthPolicy == ReauthReconnect && m.live() {
			m.cycle("auth token updated")
		}
	})
}

// Disconnect drops a live connection as if the transport had failed. The
// normal reconnection schedule follows.
func (m *Manager) Disconnect(reason string) {
	if reason == "" {
		reason = "disconnect requested"
	}
	m.post(func() {
		if !m.live() {
			return
		}
		m.forceClose(reason)
	})
}

// Subscribe registers listener for inbound messages on channel.
func (m *Manager) Subscribe(channel string, listener subscription.Listener) (subscription.Handle, error) {
	if m.State() == StateDisposed {
		return "", ErrDisposed
	}
	if channel == "" {
		return "", ErrEmptyChannel
	}
	return m.registry.Subscribe(channel, listener), nil
}

// Unsubscribe removes one listener. It reports whether the handle was known.
func (m *Manager) Unsubscribe(h subscription.Handle) bool {
	return m.registry.Unsubscribe(h)
}

// OnStatusChange registers an observer for status events.
func (m *Manager) OnStatusChange(fn status.Observer) (unsubscribe func()) {
	return m.status.OnStatusChange(fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.published.Load())
}

// Connection returns a snapshot of the managed connection.
func (m *Manager) Connection() Connection {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	snap := m.snap
	if snap.CloseReason != nil {
		reason := *snap.CloseReason
		snap.CloseReason = &reason
	}
	return snap
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()

	s.State = m.State()
	s.Queue = m.queue.Stats()
	s.Subscriptions = m.registry.Stats()
	s.Loop = m.loop.Stats()
	s.Heartbeat = m.heartbeat.Stats()
	return s
}

// Restore loads messages persisted by an earlier session under the
// configured outbox key and queues them ahead of anything sent since. The
// stored copy is cleared once the messages are queued.
//
// Restore never waits on the loop. When the loop is busy, as it is when an
// observer or listener calls Restore, the messages are queued after the
// running task and the stored copy is cleared in the background; the
// returned count is then the number loaded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, ErrNoOutbox
	}
	if m.State() == StateDisposed {
		return 0, ErrDisposed
	}

	msgs, err := m.store.Load(ctx, m.cfg.OutboxKey)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	r := &restore{result: make(chan error, 1)}
	if !m.post(func() { m.applyRestore(msgs, r) }) {
		return 0, ErrDisposed
	}

	select {
	case err = <-r.result:
	default:
		if r.owner.CompareAndSwap(restorePending, restoreDetached) {
			m.logger.Debug("restore deferred behind running task", "count", len(msgs))
			return len(msgs), nil
		}
		// The task claimed the result between the check and the swap.
		err = <-r.result
	}
	if err != nil {
		return 0, err
	}

	defer m.clearing.Done()
	if err := m.store.Clear(ctx, m.cfg.OutboxKey); err != nil {
		return len(msgs), fmt.Errorf("clear outbox: %w", err)
	}
	return len(msgs), nil
}

// Ownership of a restore's outcome. The caller takes it when the task has
// not run by the time Post returns.
const (
	restorePending int32 = iota
	restoreReported
	restoreDetached
)

type restore struct {
	owner  atomic.Int32
	result chan error
}

func (m *Manager) applyRestore(msgs []queue.Message, r *restore) {
	var err error
	if m.state == StateDisposed {
		err = ErrDisposed
	} else {
		overflow := m.queue.Prepend(msgs)
		for _, evicted := range overflow {
			m.warn(fmt.Sprintf("queue full: evicted restored message %s", evicted.ID))
		}
		m.logger.Info("restored outbox messages", "count", len(msgs), "evicted", len(overflow))
		if m.live() {
			m.flush()
		}
	}

	if err == nil {
		m.clearing.Add(1)
	}
	if r.owner.CompareAndSwap(restorePending, restoreReported) {
		r.result <- err
		return
	}
	if err != nil {
		m.logger.Warn("deferred restore abandoned, outbox kept", "error", err)
		return
	}
	m.spawn(m.clearOutbox)
}

// clearOutbox removes the stored copy after a deferred restore.
func (m *Manager) clearOutbox() {
	defer m.clearing.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	if err := m.store.Clear(ctx, m.cfg.OutboxKey); err != nil {
		m.logger.Error("clear outbox failed", "key", m.cfg.OutboxKey, "error", err)
	}
}

// post runs f on the loop.
func (m *Manager) post(f func()) bool {
	return m.loop.Post(f)
}

// live reports whether a transport is attached and usable.
func (m *Manager) live() bool {
	return m.state == StateOpen || m.state == StateDegraded
}

func (m *Manager) connect() {
	switch m.state {
	case StateIdle, StateClosed:
	default:
		m.logger.Debug("connect ignored", "state", m.state)
		return
	}

	if m.gaveUp {
		m.logger.Info("manual connect after give-up, resetting attempts")
		m.schedule.Reset()
		m.gaveUp = false
	}
	m.cancelRetry()
	m.startDial()
}

// startDial begins a new connect attempt under a fresh generation.
func (m *Manager) startDial() {
	m.releaseConn()
	m.generation++
	gen := m.generation

	m.setState(StateConnecting, "", 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.cancelDial = cancel

	token, tokenSet := m.token, m.tokenSet
	req := transport.Request{Endpoint: m.cfg.Endpoint}
	h := &connHandler{m: m, gen: gen}

	m.bumpStat(func(s *Stats) { s.Dials++ })
	m.logger.Debug("dialing", "endpoint", m.cfg.Endpoint, "generation", gen)

	m.spawn(func() {
		if tokenSet {
			req.Token = token
		} else if m.tokens != nil {
			t, err := m.tokens.Token(ctx)
			if err != nil {
				m.post(func() { m.onDialResult(gen, nil, fmt.Errorf("fetch token: %w", err)) })
				return
			}
			req.Token = t
		}

		conn, err := m.factory.Dial(ctx, req, h)
		posted := m.post(func() { m.onDialResult(gen, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	})
}

func (m *Manager) onDialResult(gen uint64, conn transport.Conn, err error) {
	if gen != m.generation || m.state != StateConnecting {
		if conn != nil {
			m.logger.Debug("closing stale connection", "generation", gen)
			conn.Close()
		}
		return
	}

	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	if err != nil {
		m.logger.Warn("connect failed", "endpoint", m.cfg.Endpoint, "error", err)
		m.lose(0, err.Error())
		return
	}

	m.conn = conn
	m.open()
}

// open enters the open state: heartbeat, flush, then the open event.
func (m *Manager) open() {
	m.lastOpenedAt = m.clock.Now()
	m.closeReason = nil
	m.schedule.Reset()
	m.gaveUp = false
	m.state = StateOpen
	m.published.Store(int32(StateOpen))
	m.bumpStat(func(s *Stats) { s.Opens++ })

	m.heartbeat.Start()
	res := m.flushQueue()

	m.logger.Info("connection open",
		"endpoint", m.cfg.Endpoint,
		"flushed", res.Written,
		"generation", m.generation,
	)
	m.emitTransition(StateOpen, "", 0, 0)
	m.reportFlush(res)
}

// flush writes queued messages on a live connection.
func (m *Manager) flush() {
	m.reportFlush(m.flushQueue())
}

func (m *Manager) flushQueue() queue.FlushResult {
	gen := m.generation
	res := m.queue.Flush(func(msg queue.Message) error {
		if gen != m.generation || m.conn == nil {
			return transport.ErrNotConnected
		}
		return m.writeMessage(msg)
	})
	return res
}

func (m *Manager) reportFlush(res queue.FlushResult) {
	if n := len(res.Expired); n > 0 {
		m.bumpStat(func(s *Stats) { s.Expired += int64(n) })
		m.warn(fmt.Sprintf("discarded %d expired messages", n))
	}
	if res.Err != nil && m.live() {
		m.logger.Warn("flush failed", "error", res.Err, "remaining", res.Remaining)
		m.lose(CodeAbnormal, "write failed: "+res.Err.Error())
	}
}

func (m *Manager) handleSend(msg queue.Message) {
	if m.state == StateDisposed {
		m.backlog = append(m.backlog, msg)
		return
	}

	if m.live() && m.conn != nil && m.queue.Len() == 0 {
		if m.state == StateDegraded {
			m.bumpStat(func(s *Stats) { s.SentAtRisk++ })
			m.logger.Info("sending while degraded", "id", msg.ID, "channel", msg.Channel)
			m.emitWarning("sent while degraded, delivery at risk: message " + msg.ID)
		}
		err := m.writeMessage(msg)
		if err == nil {
			return
		}
		msg.Attempts++
		m.enqueue(msg)
		m.logger.Warn("write failed", "id", msg.ID, "error", err)
		m.lose(CodeAbnormal, "write failed: "+err.Error())
		return
	}

	m.enqueue(msg)
}

func (m *Manager) enqueue(msg queue.Message) {
	evicted, ok := m.queue.Enqueue(msg)
	m.bumpStat(func(s *Stats) { s.Queued++ })
	if ok {
		m.bumpStat(func(s *Stats) { s.Evicted++ })
		m.warn(fmt.Sprintf("queue full: evicted message %s", evicted.ID))
	}
}

// writeMessage encodes and writes one message. Messages the codec rejects
// are dropped so they cannot block the queue.
func (m *Manager) writeMessage(msg queue.Message) error {
	data, err := m.codec.Encode(protocol.NewMessage(msg.ID, msg.Channel, msg.Payload))
	if err != nil {
		m.logger.Error("dropping unencodable message", "id", msg.ID, "error", err)
		return nil
	}
	if err := m.conn.Write(data); err != nil {
		return err
	}
	m.bumpStat(func(s *Stats) { s.Sent++ })
	return nil
}

// lose tears down the current attempt or connection and schedules a retry.
func (m *Manager) lose(code int, reason string) {
	switch m.state {
	case StateConnecting, StateOpen, StateDegraded, StateClosing:
	default:
		return
	}

	m.heartbeat.Stop()
	m.releaseConn()
	m.generation++
	m.lastClosedAt = m.clock.Now()
	m.closeReason = &CloseReason{Code: code, Text: reason}
	m.bumpStat(func(s *Stats) { s.Losses++ })

	attempt, ok := m.schedule.Next(m.clock.Now())
	if !ok {
		m.gaveUp = true
		m.setState(StateClosed, reason, 0, 0)
		m.giveUp()
		return
	}

	m.setState(StateClosed, reason, attempt.Number, attempt.Delay)
	m.logger.Info("reconnect scheduled",
		"attempt", attempt.Number,
		"delay", attempt.Delay,
		"reason", reason,
	)

	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(attempt.Delay, func() {
		m.post(func() { m.onRetry(seq) })
	})
}

func (m *Manager) giveUp() {
	limit := m.schedule.Policy().MaxAttempts
	reason := fmt.Sprintf("gave up after %d reconnect attempts", limit)
	m.logger.Warn("reconnection stopped", "max_attempts", limit)
	m.status.Emit(status.Event{
		State:     StateClosed,
		Kind:      status.KindGiveUp,
		Timestamp: m.clock.Now(),
		Reason:    reason,
	})
	m.publish()
}

func (m *Manager) onRetry(seq uint64) {
	if seq != m.retrySeq || m.state != StateClosed {
		return
	}
	m.retryTimer = nil
	m.startDial()
}

func (m *Manager) cancelRetry() {
	m.retrySeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// forceClose ends a live connection through closing and schedules a retry.
func (m *Manager) forceClose(reason string) {
	m.setState(StateClosing, reason, 0, 0)
	m.lose(CodeLocal, reason)
}

// cycle reconnects immediately without counting a failed attempt.
func (m *Manager) cycle(reason string) {
	m.setState(StateClosing, reason, 0, 0)
	m.heartbeat.Stop()
	m.releaseConn()
	m.generation++
	m.lastClosedAt = m.clock.Now()
	m.closeReason = &CloseReason{Code: CodeLocal, Text: reason}
	m.setState(StateClosed, reason, 0, 0)
	m.startDial()
}

func (m *Manager) releaseConn() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
		m.conn = nil
	}
}

func (m *Manager) dispose() {
	if m.state == StateDisposed {
		return
	}
	prev := m.state

	m.cancelRetry()
	m.heartbeat.Stop()

	if prev == StateConnecting || prev == StateOpen || prev == StateDegraded {
		m.setState(StateClosing, "session disposed", 0, 0)
		m.releaseConn()
		m.generation++
		m.lastClosedAt = m.clock.Now()
		m.closeReason = &CloseReason{Code: CodeLocal, Text: "session disposed"}
		m.setState(StateClosed, "session disposed", 0, 0)
	} else {
		m.releaseConn()
		m.generation++
	}

	m.backlog = m.queue.Drain()
	m.registry.Clear()
	m.setState(StateDisposed, "session disposed", 0, 0)
	m.status.Close()

	m.logger.Info("session disposed",
		"previous", prev,
		"pending", len(m.backlog),
		"policy", m.cfg.DisposePolicy,
	)

	// Sends already queued on the loop land in the backlog before finish.
	m.post(m.finish)
}

// finish stops the loop and applies the dispose policy to the backlog.
func (m *Manager) finish() {
	m.loop.Stop()

	msgs := m.backlog
	m.backlog = nil
	if !m.discard(msgs) {
		close(m.done)
	}
}

// discard applies the dispose policy to msgs. It reports whether an outbox
// write was started; that write closes done when it finishes.
func (m *Manager) discard(msgs []queue.Message) (persisting bool) {
	if len(msgs) == 0 {
		return false
	}

	switch m.cfg.DisposePolicy {
	case DisposeReject:
		for _, msg := range msgs {
			if m.reject != nil {
				m.reject(msg, ErrDisposed)
			}
		}
		m.logger.Info("rejected queued messages", "count", len(msgs))
		return false

	case DisposePersist:
		if m.store == nil {
			m.logger.Error("persist policy without outbox, dropping messages", "count", len(msgs))
			return false
		}
		go func() {
			m.persist(msgs)
			close(m.done)
		}()
		return true

	default:
		m.logger.Info("dropping queued messages", "count", len(msgs))
		return false
	}
}

func (m *Manager) persist(msgs []queue.Message) {
	m.clearing.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()

	if err := m.store.Save(ctx, m.cfg.OutboxKey, msgs); err != nil {
		m.logger.Error("persist queued messages", "count", len(msgs), "error", err)
		return
	}
	m.logger.Info("persisted queued messages", "count", len(msgs), "key", m.cfg.OutboxKey)
}

// setState records a transition and emits it.
func (m *Manager) setState(next State, reason string, attempt int, retryIn time.Duration) {
	m.state = next
	m.published.Store(int32(next))
	m.emitTransition(next, reason, attempt, retryIn)
}

func (m *Manager) emitTransition(next State, reason string, attempt int, retryIn time.Duration) {
	m.publish()
	m.logger.Debug("state change", "state", next, "reason", reason)
	m.status.Emit(status.Event{
		State:     next,
		Kind:      status.KindTransition,
		Timestamp: m.clock.Now(),
		Reason:    reason,
		Attempt:   attempt,
		RetryIn:   retryIn,
	})
}

// warn emits a warning event without changing state.
func (m *Manager) warn(reason string) {
	m.logger.Warn(reason)
	m.emitWarning(reason)
}

func (m *Manager) emitWarning(reason string) {
	m.status.Emit(status.Event{
		State:     m.state,
		Kind:      status.KindWarning,
		Timestamp: m.clock.Now(),
		Reason:    reason,
	})
}

// publish refreshes the snapshot returned by Connection.
func (m *Manager) publish() {
	snap := Connection{
		State:        m.state,
		Endpoint:     m.cfg.Endpoint,
		SessionID:    m.sessionID,
		Generation:   m.generation,
		LastOpenedAt: m.lastOpenedAt,
		LastClosedAt: m.lastClosedAt,
		Attempts:     m.schedule.Attempts(),
		GaveUp:       m.gaveUp,
	}
	if m.closeReason != nil {
		reason := *m.closeReason
		snap.CloseReason = &reason
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

func (m *Manager) bumpStat(f func(*Stats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}

func (m *Manager) probe() error {
	if m.conn == nil {
		return transport.ErrNotConnected
	}
	return m.conn.Ping()
}

func (m *Manager) onHeartbeatOverdue() {
	if m.state != StateOpen {
		return
	}
	m.setState(StateDegraded, "heartbeat overdue", 0, 0)
}

func (m *Manager) onHeartbeatRecovered() {
	if m.state != StateDegraded {
		return
	}
	m.setState(StateOpen, "heartbeat recovered", 0, 0)
	if m.queue.Len() > 0 {
		m.flush()
	}
}

func (m *Manager) onHeartbeatExpired() {
	if !m.live() {
		return
	}
	m.forceClose("heartbeat expired")
}

// onFrame handles one inbound frame for generation gen.
func (m *Manager) onFrame(gen uint64, data []byte, receivedAt time.Time) {
	if gen != m.generation || !m.live() {
		return
	}
	m.heartbeat.Observe()
	m.bumpStat(func(s *Stats) { s.Received++ })

	frame, err := m.codec.Decode(data)
	if err != nil {
		m.bumpStat(func(s *Stats) { s.Malformed++ })
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	switch frame.Type {
	case protocol.TypeMessage:
		m.registry.Dispatch(subscription.Message{
			Channel:    frame.Channel,
			Payload:    frame.Payload,
			ReceivedAt: receivedAt,
		})
	case protocol.TypeWelcome:
		m.sessionID = frame.SessionID
		m.publish()
		m.logger.Info("session established", "session_id", frame.SessionID)
	case protocol.TypePing:
		reply, err := m.codec.Encode(&protocol.Frame{Type: protocol.TypePong, ID: frame.ID})
		if err == nil && m.conn != nil {
			if err := m.conn.Write(reply); err != nil {
				m.logger.Debug("pong write failed", "error", err)
			}
		}
	case protocol.TypePong:
	case protocol.TypeError:
		m.warn("server error: " + frame.Error)
	}
}

func (m *Manager) onPong(gen uint64) {
	if gen != m.generation || !m.live() {
		return
	}
	m.heartbeat.Observe()
}

func (m *Manager) onTransportEnd(gen uint64, code int, reason string) {
	if gen != m.generation || !m.live() {
		return
	}
	m.logger.Warn("connection lost", "code", code, "reason", reason)
	m.lose(code, reason)
}

// connHandler routes transport events for one generation onto the loop.
type connHandler struct {
	m   *Manager
	gen uint64
}

func (h *connHandler) OnFrame(data []byte, receivedAt time.Time) {
	h.m.post(func() { h.m.onFrame(h.gen, data, receivedAt) })
}

func (h *connHandler) OnPong() {
	h.m.post(func() { h.m.onPong(h.gen) })
}

func (h *connHandler) OnClose(code int, reason string) {
	if reason == "" {
		reason = "closed by peer"
	}
	h.m.post(func() { h.m.onTransportEnd(h.gen, code, reason) })
}

func (h *connHandler) OnError(err error) {
	h.m.post(func() { h.m.onTransportEnd(h.gen, CodeAbnormal, err.Error()) })
}

// encodePayload validates that payload serializes to JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrUnserializable)
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrUnserializable)
		}
		return append(json.RawMessage(nil), p...), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnserializable, err)
	}
	return data, nil
}
