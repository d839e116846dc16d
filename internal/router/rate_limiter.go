package router

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per connection
// ARCHITECTURAL DISCOVERY: keyed by connection id, not user id, so a user's
// second tab does not share (or starve) the first tab's budget
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewRateLimiter allows perSecond frames with bursts of up to burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow spends one token from connID's bucket
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	bucket, exists := rl.buckets[connID]
	if !exists {
		bucket = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[connID] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// Forget drops connID's bucket once its connection is gone
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, connID)
}

// Tracked returns the number of live buckets
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
