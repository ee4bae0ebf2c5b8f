// Package ratelimit admits CONNECT requests on the client-facing proxy with a
// global token bucket and one bucket per source address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter manages both global and per-source rate limiting. A zero rate
// disables the corresponding limit.
type RateLimiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	perSource  map[string]*sourceLimiter
	sourceRate rate.Limit
	burst      int
	now        func() time.Time
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. Rates are tunnel requests per second.
func NewRateLimiter(globalRate, perSourceRate float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		perSource:  make(map[string]*sourceLimiter),
		sourceRate: rate.Limit(perSourceRate),
		burst:      burst,
		now:        time.Now,
	}
	if globalRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return rl
}

// Enabled reports whether any limit is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && (rl.global != nil || rl.sourceRate > 0)
}

// Allow checks if a tunnel request from source is allowed and consumes a
// token if so. A nil limiter allows everything.
func (rl *RateLimiter) Allow(source string) bool {
	if rl == nil {
		return true
	}
	now := rl.now()
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false
	}
	if rl.sourceRate <= 0 {
		return true
	}
	rl.mu.Lock()
	sl, ok := rl.perSource[source]
	if !ok {
		sl = &sourceLimiter{limiter: rate.NewLimiter(rl.sourceRate, rl.burst)}
		rl.perSource[source] = sl
	}
	sl.lastSeen = now
	rl.mu.Unlock()
	return sl.limiter.AllowN(now, 1)
}

// CleanupIdle drops per-source buckets not used for maxIdle and returns how
// many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	if rl == nil {
		return 0
	}
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for src, sl := range rl.perSource {
		if sl.lastSeen.Before(cutoff) {
			delete(rl.perSource, src)
			removed++
		}
	}
	return removed
}

// Sources returns the number of tracked source buckets.
func (rl *RateLimiter) Sources() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perSource)
}
