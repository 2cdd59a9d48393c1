// Package clock provides the time source used by every timer in the session.
//
// Production code uses Real. Tests use Simulated, which only moves when Advance
// is called and fires due timers synchronously on the calling goroutine.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is a minimal time source with one-shot timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired
	// or was already stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Simulated is a deterministic, manual-advance clock.
type Simulated struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	timers  []*simTimer
}

type simTimer struct {
	clock   *Simulated
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

// NewSimulated creates a simulated clock starting at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{current: start}
}

// Now implements Clock.
func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc implements Clock. A non-positive d fires on the next Advance.
func (c *Simulated) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &simTimer{
		clock: c,
		at:    c.current.Add(d),
		seq:   c.seq,
		f:     f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due
// in deadline order. Timers scheduled by fired callbacks are honoured if they
// fall inside the same window. Negative durations are ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d < 0 {
		return
	}

	c.mu.Lock()
	target := c.current.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		t.fired = true
		c.current = t.at
		c.mu.Unlock()
		t.f()
		c.mu.Lock()
	}
	c.current = target
	c.mu.Unlock()
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Simulated) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// nextDueLocked removes and returns the earliest live timer due at or before
// target. Must be called with mu held.
func (c *Simulated) nextDueLocked(target time.Time) *simTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})

	if len(c.timers) == 0 || c.timers[0].at.After(target) {
		return nil
	}
	t := c.timers[0]
	c.timers = c.timers[1:]
	return t
}

// Stop implements Timer.
func (t *simTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
