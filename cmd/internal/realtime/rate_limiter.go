package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter: at most limit events in any window.
//
// It keeps the timestamps of the last limit accepted events in a ring, so the
// oldest accepted event decides whether a new one fits.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the per-connection defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now fits the window, recording it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) {
		oldest := r.ring[r.next]
		if now.Sub(oldest) < r.window {
			return false
		}
	} else {
		r.filled++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// Remaining returns how many events would be accepted at now.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.ring) - r.filled
	for i := 0; i < r.filled; i++ {
		idx := (r.next - r.filled + i + len(r.ring)) % len(r.ring)
		if now.Sub(r.ring[idx]) >= r.window {
			n++
		}
	}
	return n
}
