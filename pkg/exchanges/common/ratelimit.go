package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing venue requests and honours server-side
// throttling signals.
type RateLimiter struct {
	limiter *rate.Limiter

	mu          sync.RWMutex
	pausedUntil time.Time
	throttled   int
}

// NewRateLimiter allows perSecond requests with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may be sent.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	until := rl.pausedUntil
	rl.mu.RUnlock()
	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return rl.limiter.Wait(ctx)
}

// Throttled records a rate-limit response and pauses all callers for d.
func (rl *RateLimiter) Throttled(d time.Duration) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.throttled++
	if until := time.Now().Add(d); until.After(rl.pausedUntil) {
		rl.pausedUntil = until
	}
}

// ShouldDelay reports whether callers are currently paused.
func (rl *RateLimiter) ShouldDelay() bool {
	if rl == nil {
		return false
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return time.Now().Before(rl.pausedUntil)
}

// ThrottledCount returns how many rate-limit responses were seen.
func (rl *RateLimiter) ThrottledCount() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.throttled
}
