// Package loop provides the serial executor that stands in for a single host
// thread.
//
// Tasks posted to a Loop never run concurrently. Whichever goroutine posts to
// an idle Loop drains it; posts made while a drain is in progress, including
// posts from inside a running task, are queued behind the current task. This
// gives re-entrant callers (a status observer calling Connect, a listener
// calling Send) a well-defined order without locks in the state machine.
package loop

import (
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work executed on the loop.
type Task func()

// Loop is a re-entrancy-safe FIFO executor.
type Loop struct {
	logger *slog.Logger

	mu       sync.Mutex
	queue    []Task
	head     int
	draining bool
	stopped  bool

	executed uint64
	panics   uint64
}

// New creates an idle loop.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{logger: logger}
}

// Post schedules t. If no goroutine is currently draining the loop, the caller
// runs queued tasks until the queue is empty. Returns false if the loop has
// been stopped.
func (l *Loop) Post(t Task) bool {
	if t == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, t)
	if l.draining {
		l.mu.Unlock()
		return true
	}
	l.draining = true
	l.mu.Unlock()

	l.drain()
	return true
}

// Stop discards queued tasks and rejects later posts. A task that is already
// running completes normally.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.queue = nil
	l.head = 0
}

// Len returns the number of queued tasks, not including a running one.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) - l.head
}

// Stats returns loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Queued:   len(l.queue) - l.head,
		Executed: l.executed,
		Panics:   l.panics,
	}
}

// Stats contains loop counters.
type Stats struct {
	Queued   int
	Executed uint64
	Panics   uint64
}

func (l *Loop) drain() {
	for {
		t := l.pop()
		if t == nil {
			return
		}
		l.run(t)
	}
}

// pop removes the next task, or clears the draining flag and returns nil.
func (l *Loop) pop() Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head >= len(l.queue) {
		l.queue = nil
		l.head = 0
		l.draining = false
		return nil
	}

	t := l.queue[l.head]
	l.queue[l.head] = nil
	l.head++
	// compact occasionally to avoid unbounded growth
	if l.head > 64 && l.head*2 > len(l.queue) {
		l.queue = append([]Task(nil), l.queue[l.head:]...)
		l.head = 0
	}
	return t
}

func (l *Loop) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.panics++
			l.mu.Unlock()
			l.logger.Error("loop task panicked", "panic", fmt.Sprint(r))
		}
	}()

	t()

	l.mu.Lock()
	l.executed++
	l.mu.Unlock()
}
