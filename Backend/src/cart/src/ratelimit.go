package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userRateLimiter gives every user an independent token bucket.
// Idle buckets are evicted by sweep.
type userRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newUserRateLimiter returns nil when rps <= 0 (rate limiting disabled).
func newUserRateLimiter(rps float64, burst int) *userRateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userRateLimiter{
		limiters: make(map[int64]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (l *userRateLimiter) Allow(userID int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	e, ok := l.limiters[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// sweep drops buckets not used for longer than the idle window.
func (l *userRateLimiter) sweep(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.limiters, id)
		}
	}
}
