package rtc

import (
	"sync"
	"time"
)

// RateLimiter bounds the event rate of one connection over a sliding window.
//
// It remembers the admission times of the last `limit` allowed events in a
// fixed ring: a new event is admitted iff the oldest remembered admission
// falls outside the window. Denied events are not recorded, so a flooding
// client cannot starve itself past the window boundary.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when limit or window is not positive.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is within the rate budget, recording
// it when admitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.ring[r.next]
	if !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
	}
	return true
}
