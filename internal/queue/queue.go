package queue

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is an outbound message waiting for an open transport.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// Config configures queue bounds.
type Config struct {
	MaxSize int           // Oldest message is evicted beyond this; 0 means unbounded
	MaxAge  time.Duration // Messages older than this are discarded at flush; 0 disables
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 1000,
		MaxAge:  5 * time.Minute,
	}
}

// FlushResult reports the outcome of one Flush.
type FlushResult struct {
	Written   int
	Expired   []Message
	Remaining int
	Err       error
}

// Stats contains queue statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalEnqueued int64
	TotalWritten  int64
	TotalEvicted  int64
	TotalExpired  int64
	ResizeCount   int
}

// Queue is a FIFO of outbound messages stored in a ring buffer that grows
// by doubling up to MaxSize.
type Queue struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	buf      []Message
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalEnqueued int64
	totalWritten  int64
	totalEvicted  int64
	totalExpired  int64
	resizeCount   int
}

const initialCapacity = 16

// New creates an empty queue. now supplies the time used for age checks; nil
// means time.Now.
func New(cfg Config, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	capacity := initialCapacity
	if cfg.MaxSize > 0 && cfg.MaxSize < capacity {
		capacity = cfg.MaxSize
	}
	return &Queue{
		cfg:      cfg,
		now:      now,
		buf:      make([]Message, capacity),
		capacity: capacity,
	}
}

// Enqueue appends msg. When the queue is full the oldest message is evicted
// and returned with ok set to true.
func (q *Queue) Enqueue(msg Message) (evicted Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxSize > 0 && q.count >= q.cfg.MaxSize {
		evicted = q.popLocked()
		ok = true
		q.totalEvicted++
	}
	if q.count == q.capacity {
		q.grow()
	}

	q.buf[q.tail] = msg
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalEnqueued++
	return evicted, ok
}

// Prepend puts msgs ahead of everything queued, preserving their order.
// When the result exceeds MaxSize the newest messages are kept and the
// overflow is returned.
func (q *Queue) Prepend(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]Message, 0, len(msgs)+q.count)
	all = append(all, msgs...)
	for q.count > 0 {
		all = append(all, q.popLocked())
	}

	var overflow []Message
	if q.cfg.MaxSize > 0 && len(all) > q.cfg.MaxSize {
		n := len(all) - q.cfg.MaxSize
		overflow = append(overflow, all[:n]...)
		all = all[n:]
		q.totalEvicted += int64(n)
	}

	for len(all) > q.capacity {
		q.grow()
	}
	for _, m := range all {
		q.buf[q.tail] = m
		q.tail = (q.tail + 1) % q.capacity
		q.count++
	}
	q.totalEnqueued += int64(len(msgs))
	return overflow
}

// Flush writes queued messages in enqueue order. Expired messages are
// discarded and reported. The first write error stops the flush; the failed
// message stays at the head with its attempt count incremented.
//
// write is called without the queue lock held.
func (q *Queue) Flush(write func(Message) error) FlushResult {
	var res FlushResult
	now := q.now()

	for {
		q.mu.Lock()
		if q.count == 0 {
			q.mu.Unlock()
			break
		}
		msg := q.buf[q.head]
		if q.cfg.MaxAge > 0 && now.Sub(msg.CreatedAt) > q.cfg.MaxAge {
			q.popLocked()
			q.totalExpired++
			q.mu.Unlock()
			res.Expired = append(res.Expired, msg)
			continue
		}
		q.mu.Unlock()

		if err := write(msg); err != nil {
			q.mu.Lock()
			if q.count > 0 && q.buf[q.head].ID == msg.ID {
				q.buf[q.head].Attempts++
			}
			res.Remaining = q.count
			q.mu.Unlock()
			res.Err = err
			return res
		}

		q.mu.Lock()
		if q.count > 0 && q.buf[q.head].ID == msg.ID {
			q.popLocked()
		}
		q.totalWritten++
		q.mu.Unlock()
		res.Written++
	}

	return res
}

// Drain removes and returns every queued message in order.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	result := make([]Message, 0, q.count)
	for q.count > 0 {
		result = append(result, q.popLocked())
	}
	return result
}

// Clear discards every queued message.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count > 0 {
		q.popLocked()
	}
	q.head = 0
	q.tail = 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalEnqueued: q.totalEnqueued,
		TotalWritten:  q.totalWritten,
		TotalEvicted:  q.totalEvicted,
		TotalExpired:  q.totalExpired,
		ResizeCount:   q.resizeCount,
	}
}

// popLocked removes the head message. Must be called with lock held.
func (q *Queue) popLocked() Message {
	msg := q.buf[q.head]
	q.buf[q.head] = Message{} // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	return msg
}

// grow doubles the buffer capacity. Must be called with lock held.
func (q *Queue) grow() {
	newCapacity := q.capacity * 2
	if q.cfg.MaxSize > 0 && newCapacity > q.cfg.MaxSize && q.count < q.cfg.MaxSize {
		newCapacity = q.cfg.MaxSize
	}
	if newCapacity <= q.capacity {
		newCapacity = q.capacity * 2
	}
	newBuf := make([]Message, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
