package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/clock"
)

var epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type recorder struct {
	overdue   int
	recovered int
	expired   int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOverdue:   func() { r.overdue++ },
		OnRecovered: func() { r.recovered++ },
		OnExpired:   func() { r.expired++ },
	}
}

func testConfig() Config {
	return Config{Interval: time.Second, Timeout: 3 * time.Second, Grace: 2 * time.Second}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"timeout equals interval", Config{Interval: time.Second, Timeout: time.Second, Grace: time.Second}, true},
		{"zero interval", Config{Timeout: time.Second, Grace: time.Second}, true},
		{"zero grace", Config{Interval: time.Second, Timeout: 2 * time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_ProbesAtInterval(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	var m *Monitor
	probes := 0
	m = New(testConfig(), clk, nil, func() error {
		probes++
		m.Observe() // peer answers immediately
		return nil
	}, rec.callbacks(), nil)

	m.Start()
	clk.Advance(10 * time.Second)

	if probes != 10 {
		t.Errorf("probes = %d, want 10", probes)
	}
	if rec.overdue != 0 {
		t.Errorf("overdue fired %d times on a responsive peer", rec.overdue)
	}
}

func TestMonitor_OverdueThenExpired(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	m := New(testConfig(), clk, nil, nil, rec.callbacks(), nil)

	m.Start()
	clk.Advance(3 * time.Second)
	if rec.overdue != 1 {
		t.Fatalf("overdue = %d at timeout, want 1", rec.overdue)
	}
	if !m.Overdue() {
		t.Error("Overdue() = false")
	}

	clk.Advance(time.Second)
	if rec.expired != 0 {
		t.Fatal("expired before grace elapsed")
	}

	clk.Advance(time.Second)
	if rec.expired != 1 {
		t.Fatalf("expired = %d, want 1", rec.expired)
	}
	if m.Running() {
		t.Error("monitor still running after expiry")
	}

	clk.Advance(time.Minute)
	if rec.overdue != 1 || rec.expired != 1 {
		t.Errorf("callbacks fired after expiry: %+v", rec)
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d after expiry", clk.Pending())
	}
}

func TestMonitor_RecoverDuringGrace(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	m := New(testConfig(), clk, nil, nil, rec.callbacks(), nil)

	m.Start()
	clk.Advance(3 * time.Second)
	clk.Advance(time.Second)
	m.Observe()

	if rec.recovered != 1 {
		t.Fatalf("recovered = %d, want 1", rec.recovered)
	}

	// The grace timer was cancelled; the next verdict is a fresh timeout.
	clk.Advance(2 * time.Second)
	if rec.expired != 0 {
		t.Error("expired after recovery")
	}
	clk.Advance(time.Second)
	if rec.overdue != 2 {
		t.Errorf("overdue = %d, want 2", rec.overdue)
	}
}

func TestMonitor_TrafficPushesDeadline(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	m := New(testConfig(), clk, nil, nil, rec.callbacks(), nil)

	m.Start()
	clk.Advance(2 * time.Second)
	m.Observe()

	clk.Advance(2 * time.Second) // 4s since start, 2s since proof
	if rec.overdue != 0 {
		t.Fatal("overdue despite recent traffic")
	}
	clk.Advance(time.Second) // 3s since proof
	if rec.overdue != 1 {
		t.Errorf("overdue = %d, want 1", rec.overdue)
	}
	if got := m.LastProof(); !got.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("LastProof() = %v", got)
	}
}

func TestMonitor_StopCancelsTimers(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	probes := 0
	m := New(testConfig(), clk, nil, func() error { probes++; return nil }, rec.callbacks(), nil)

	m.Start()
	m.Stop()
	clk.Advance(time.Minute)

	if probes != 0 || rec.overdue != 0 || rec.expired != 0 {
		t.Errorf("activity after Stop: probes=%d %+v", probes, rec)
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop", clk.Pending())
	}

	// Observe on a stopped monitor is ignored.
	m.Observe()
	if rec.recovered != 0 {
		t.Error("recovered fired on a stopped monitor")
	}
}

// A timer callback already handed to the executor when Stop runs is ignored.
func TestMonitor_StaleCallbackIgnored(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	var rec recorder
	var pending []func()
	dispatch := func(f func()) { pending = append(pending, f) }

	m := New(testConfig(), clk, dispatch, nil, rec.callbacks(), nil)
	m.Start()
	clk.Advance(3 * time.Second)
	if len(pending) == 0 {
		t.Fatal("no callbacks dispatched")
	}

	m.Stop()
	m.Start()
	for _, f := range pending {
		f()
	}

	if rec.overdue != 0 {
		t.Errorf("stale deadline fired OnOverdue")
	}
	if m.Stats().Probes != 0 {
		t.Errorf("stale tick probed")
	}
}

func TestMonitor_ProbeErrorsCounted(t *testing.T) {
	clk := clock.NewSimulated(epoch)
	m := New(testConfig(), clk, nil, func() error { return errors.New("write failed") }, Callbacks{}, nil)

	m.Start()
	clk.Advance(2 * time.Second)

	stats := m.Stats()
	if stats.Probes != 2 || stats.ProbeErrors != 2 {
		t.Errorf("Stats() = %+v, want 2 probes and 2 errors", stats)
	}
}
