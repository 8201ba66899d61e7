// Package ratelimit provides per-subject token buckets for login,
// general API, and telemetry producer traffic.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy describes one bucket: sustained refill rate and burst capacity.
type Policy struct {
	Rate  rate.Limit
	Burst int
}

// PerMinute builds a policy from an events-per-minute budget.
func PerMinute(perMin float64) Policy {
	burst := int(math.Ceil(perMin))
	if burst < 1 {
		burst = 1
	}
	return Policy{Rate: rate.Limit(perMin / 60.0), Burst: burst}
}

// PerSecond builds a policy from an events-per-second budget.
func PerSecond(perSec float64, burst int) Policy {
	if burst < 1 {
		burst = 1
	}
	return Policy{Rate: rate.Limit(perSec), Burst: burst}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry tracks one limiter per subject key. Idle limiters are
// discarded after staleAfter so the map does not grow without bound.
type Registry struct {
	mu         sync.Mutex
	policy     Policy
	entries    map[string]*entry
	staleAfter time.Duration
	lastSweep  time.Time
}

// NewRegistry creates a registry with the given policy.
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:     policy,
		entries:    make(map[string]*entry),
		staleAfter: 10 * time.Minute,
		lastSweep:  time.Now(),
	}
}

// Allow reports whether the subject may proceed. When denied, the
// returned duration is the suggested Retry-After.
func (r *Registry) Allow(key string) (bool, time.Duration) {
	return r.AllowN(key, 1)
}

// AllowN consumes n tokens at once, used by batch producers so a large
// batch costs proportionally. A charge larger than the policy burst can
// never be admitted; callers must cap n at the burst.
func (r *Registry) AllowN(key string, n int) (bool, time.Duration) {
	if n < 1 {
		n = 1
	}

	r.mu.Lock()
	now := time.Now()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(r.policy.Rate, r.policy.Burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	r.sweepLocked(now)
	r.mu.Unlock()

	if e.limiter.AllowN(now, n) {
		return true, 0
	}

	// Estimate how long until n tokens accumulate.
	retry := time.Duration(float64(n)/float64(r.policy.Rate)) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry
}

// sweepLocked drops limiters idle longer than staleAfter. Cheap enough
// to run inline, at most once per minute.
func (r *Registry) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now
	for key, e := range r.entries {
		if now.Sub(e.lastSeen) > r.staleAfter {
			delete(r.entries, key)
		}
	}
}

// Len reports the number of tracked subjects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
