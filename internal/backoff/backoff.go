package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures bounded exponential backoff with jitter.
type Policy struct {
	Base           time.Duration
	Ceiling        time.Duration
	JitterFraction float64 // 0 disables jitter; must be < 1
	MaxAttempts    int     // 0 means retry forever
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:           500 * time.Millisecond,
		Ceiling:        30 * time.Second,
		JitterFraction: 0.2,
		MaxAttempts:    0,
	}
}

// Validate checks the policy knobs.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errors.New("base delay must be positive")
	}
	if p.Ceiling < p.Base {
		return errors.New("ceiling must be >= base delay")
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return errors.New("jitter fraction must be in [0, 1)")
	}
	if p.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return nil
}

// Delay returns the delay before retry number attempt+1, where attempt is
// the number of consecutive failures already seen (0 for the first retry).
// r is a uniform random value in [0, 1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	raw := float64(p.Ceiling)
	// Past 62 doublings every realistic base exceeds the ceiling.
	if attempt < 62 {
		raw = math.Min(float64(p.Base)*math.Pow(2, float64(attempt)), float64(p.Ceiling))
	}

	d := time.Duration(raw * (1 + p.JitterFraction*(2*r-1)))
	if d > p.Ceiling {
		d = p.Ceiling
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Attempt describes one scheduled reconnection attempt.
type Attempt struct {
	Number      int
	ScheduledAt time.Time
	Delay       time.Duration
}

// Schedule tracks consecutive failures for one connection.
type Schedule struct {
	policy Policy
	rand   func() float64

	attempts int
	last     time.Duration
}

// NewSchedule creates a schedule for policy. rnd supplies jitter samples in
// [0, 1); nil uses math/rand/v2.
func NewSchedule(policy Policy, rnd func() float64) *Schedule {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Schedule{policy: policy, rand: rnd}
}

// Next records a failure and returns the attempt to schedule. ok is false
// once MaxAttempts is exhausted.
func (s *Schedule) Next(now time.Time) (a Attempt, ok bool) {
	if s.policy.MaxAttempts > 0 && s.attempts >= s.policy.MaxAttempts {
		return Attempt{}, false
	}

	d := s.policy.Delay(s.attempts, s.rand())
	// Jitter may not shorten the wait below the previous attempt.
	if d < s.last {
		d = s.last
	}
	s.last = d
	s.attempts++

	return Attempt{
		Number:      s.attempts,
		ScheduledAt: now.Add(d),
		Delay:       d,
	}, true
}

// Reset clears the failure count after a successful open.
func (s *Schedule) Reset() {
	s.attempts = 0
	s.last = 0
}

// Attempts returns the number of attempts scheduled since the last Reset.
func (s *Schedule) Attempts() int {
	return s.attempts
}

// Exhausted reports whether MaxAttempts has been reached.
func (s *Schedule) Exhausted() bool {
	return s.policy.MaxAttempts > 0 && s.attempts >= s.policy.MaxAttempts
}

// Policy returns the schedule's policy.
func (s *Schedule) Policy() Policy {
	return s.policy
}
