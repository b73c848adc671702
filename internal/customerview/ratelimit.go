package customerview

import (
	"sync"
	"time"

	"github.com/webtech-soft/CustomerView/internal/clock"
)

// RateLimiter throttles token decode attempts per client with a token
// bucket. The checksum is not secret, so guessing tokens has to be slowed
// down here instead.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	rate      int
	window    time.Duration
	clock     clock.Clock
	lastSweep time.Time
}

type tokenBucket struct {
	tokens   int
	lastFill time.Time
}

// NewRateLimiter allows ratePerWindow attempts per key per window. A rate of
// zero or less disables limiting.
func NewRateLimiter(ratePerWindow int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    ratePerWindow,
		window:  window,
		clock:   clk,
	}
}

// Allow reports whether key may proceed and, if not, how long to wait.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl == nil || rl.rate <= 0 || rl.window <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(now)
	}
	bucket, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: rl.rate - 1, lastFill: now}
		return true, 0
	}

	elapsed := now.Sub(bucket.lastFill)
	if refill := int(float64(elapsed) / float64(rl.window) * float64(rl.rate)); refill > 0 {
		bucket.tokens = min(rl.rate, bucket.tokens+refill)
		bucket.lastFill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true, 0
	}
	return false, rl.window / time.Duration(rl.rate)
}

// sweep drops buckets idle for a full window. They would have refilled
// completely, so forgetting them changes no decision.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastFill) >= rl.window {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}

// Len reports how many clients are being tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Reset forgets key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}
