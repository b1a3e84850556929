package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// failureThrottle tracks recent login failures per key (client IP or
// normalized login identifier) in memory. Counting failures, not attempts,
// means well-behaved clients are never throttled.
type failureThrottle struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func newFailureThrottle(max int, window time.Duration) *failureThrottle {
	return &failureThrottle{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Blocked reports whether key has accumulated too many recent failures, and
// how long the caller should wait before retrying.
func (t *failureThrottle) Blocked(key string, now time.Time) (bool, time.Duration) {
	if t == nil || key == "" || t.max <= 0 {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.pruneLocked(key, now)
	if len(recent) < t.max {
		return false, 0
	}
	// Oldest relevant failure decides when the window frees up.
	retry := recent[0].Add(t.window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return true, retry
}

// Record registers one failure for key.
func (t *failureThrottle) Record(key string, now time.Time) {
	if t == nil || key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.pruneLocked(key, now)
	t.hits[key] = append(recent, now)
}

// Reset clears failures for key after a successful login.
func (t *failureThrottle) Reset(key string) {
	if t == nil || key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hits, key)
}

func (t *failureThrottle) pruneLocked(key string, now time.Time) []time.Time {
	cut := now.Add(-t.window)
	all := t.hits[key]
	i := 0
	for i < len(all) && all[i].Before(cut) {
		i++
	}
	recent := all[i:]
	if len(recent) == 0 {
		delete(t.hits, key)
		return nil
	}
	if i > 0 {
		t.hits[key] = recent
	}
	return recent
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()+0.5), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
