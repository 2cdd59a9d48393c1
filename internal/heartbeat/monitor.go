package heartbeat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/livesync/internal/clock"
)

// Config configures liveness probing.
type Config struct {
	Interval time.Duration // Probe period
	Timeout  time.Duration // Silence longer than this marks the peer overdue
	Grace    time.Duration // Additional silence before the connection is expired
}

// DefaultConfig returns the default heartbeat configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  40 * time.Second,
		Grace:    10 * time.Second,
	}
}

// Validate checks the heartbeat timings.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.Timeout <= c.Interval {
		return errors.New("heartbeat timeout must be greater than interval")
	}
	if c.Grace <= 0 {
		return errors.New("heartbeat grace must be positive")
	}
	return nil
}

// Callbacks receive monitor verdicts. Any may be nil.
type Callbacks struct {
	OnOverdue   func() // No proof of liveness within Timeout
	OnRecovered func() // Proof arrived while overdue
	OnExpired   func() // No proof within Timeout + Grace; the monitor has stopped
}

// Stats contains monitor counters.
type Stats struct {
	Probes      int64 `json:"probes"`
	ProbeErrors int64 `json:"probe_errors"`
	Overdue     int64 `json:"overdue"`
	Recoveries  int64 `json:"recoveries"`
	Expirations int64 `json:"expirations"`
}

// Monitor detects silent peers on an open connection.
//
// A Monitor is not safe for concurrent use, except Stats. Every other method
// and every timer callback runs through the dispatch function supplied to
// New, which must serialize them (the connection manager's loop).
type Monitor struct {
	cfg       Config
	clock     clock.Clock
	dispatch  func(func())
	probe     func() error
	callbacks Callbacks
	logger    *slog.Logger

	epoch     uint64
	running   bool
	overdue   bool
	lastProof time.Time

	tick     clock.Timer
	deadline clock.Timer
	grace    clock.Timer

	statsMu sync.Mutex
	stats   Stats
}

// New creates a stopped monitor. probe sends one liveness probe. dispatch
// runs timer callbacks on the owner's serial executor; nil runs them on the
// timer goroutine.
func New(cfg Config, clk clock.Clock, dispatch func(func()), probe func() error, cb Callbacks, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		dispatch:  dispatch,
		probe:     probe,
		callbacks: cb,
		logger:    logger,
	}
}

// Start begins probing. Restarting a running monitor resets all timers.
func (m *Monitor) Start() {
	m.cancelTimers()
	m.epoch++
	m.running = true
	m.overdue = false
	m.lastProof = m.clock.Now()

	m.armTick()
	m.armDeadline(m.cfg.Timeout)
}

// Stop cancels every timer. Callbacks already in flight are ignored.
func (m *Monitor) Stop() {
	m.cancelTimers()
	m.epoch++
	m.running = false
	m.overdue = false
}

// Observe records proof of liveness: any inbound frame or pong.
func (m *Monitor) Observe() {
	if !m.running {
		return
	}
	m.lastProof = m.clock.Now()

	if !m.overdue {
		return
	}

	m.overdue = false
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.armDeadline(m.cfg.Timeout)
	m.count(func(s *Stats) { s.Recoveries++ })
	m.logger.Info("heartbeat recovered")
	if m.callbacks.OnRecovered != nil {
		m.callbacks.OnRecovered()
	}
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	return m.running
}

// Overdue reports whether the peer is currently overdue.
func (m *Monitor) Overdue() bool {
	return m.overdue
}

// LastProof returns the time of the most recent liveness proof.
func (m *Monitor) LastProof() time.Time {
	return m.lastProof
}

// Stats returns monitor counters. Safe to call from any goroutine.
func (m *Monitor) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Monitor) count(f func(*Stats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}

func (m *Monitor) armTick() {
	epoch := m.epoch
	m.tick = m.clock.AfterFunc(m.cfg.Interval, func() {
		m.dispatch(func() { m.onTick(epoch) })
	})
}

func (m *Monitor) armDeadline(d time.Duration) {
	epoch := m.epoch
	m.deadline = m.clock.AfterFunc(d, func() {
		m.dispatch(func() { m.onDeadline(epoch) })
	})
}

func (m *Monitor) onTick(epoch uint64) {
	if epoch != m.epoch || !m.running {
		return
	}

	m.count(func(s *Stats) { s.Probes++ })
	if m.probe != nil {
		if err := m.probe(); err != nil {
			m.count(func(s *Stats) { s.ProbeErrors++ })
			m.logger.Debug("heartbeat probe failed", "error", err)
		}
	}
	m.armTick()
}

func (m *Monitor) onDeadline(epoch uint64) {
	if epoch != m.epoch || !m.running || m.overdue {
		return
	}

	// Traffic since the deadline was armed pushes it out.
	silence := m.clock.Now().Sub(m.lastProof)
	if silence < m.cfg.Timeout {
		m.armDeadline(m.cfg.Timeout - silence)
		return
	}

	m.overdue = true
	m.count(func(s *Stats) { s.Overdue++ })
	m.logger.Warn("heartbeat overdue", "silence", silence)
	if m.callbacks.OnOverdue != nil {
		m.callbacks.OnOverdue()
	}
	if epoch != m.epoch {
		return
	}

	m.grace = m.clock.AfterFunc(m.cfg.Grace, func() {
		m.dispatch(func() { m.onGrace(epoch) })
	})
}

func (m *Monitor) onGrace(epoch uint64) {
	if epoch != m.epoch || !m.running || !m.overdue {
		return
	}

	m.count(func(s *Stats) { s.Expirations++ })
	m.logger.Warn("heartbeat expired", "silence", m.clock.Now().Sub(m.lastProof))
	m.Stop()
	if m.callbacks.OnExpired != nil {
		m.callbacks.OnExpired()
	}
}

func (m *Monitor) cancelTimers() {
	for _, t := range []clock.Timer{m.tick, m.deadline, m.grace} {
		if t != nil {
			t.Stop()
		}
	}
	m.tick = nil
	m.deadline = nil
	m.grace = nil
}
