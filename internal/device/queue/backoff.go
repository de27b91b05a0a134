package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth from Base to Max with
// full jitter, so a fleet of devices recovering from an outage does not
// stampede the server.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts bounds retries; past it a failure becomes permanent.
	MaxAttempts int
}

// DefaultBackoff suits field devices on flaky connections: quick first
// retries, then spacing out to five minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, MaxAttempts: 10}
}

// Delay returns the jittered wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 || (b.Max > 0 && d >= b.Max) {
			d = b.Max
			break
		}
	}
	// A zero or negative policy yields no wait instead of a jitter panic.
	if d <= 0 {
		return 0
	}
	// Full jitter: uniform in (0, d].
	return time.Duration(rand.Int63n(int64(d))) + 1
}

// Exhausted reports whether the attempt count has used up the retry budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}
