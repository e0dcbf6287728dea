package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds how often a log line with a given key is emitted.
//
// Each key gets its own token bucket; keys are cheap but never evicted, so use
// a small, bounded key space (scope names, action names).
type Throttle struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

// NewThrottle allows `burst` lines immediately, then one line per `every` seconds
// expressed as a rate.Limit.
func NewThrottle(every rate.Limit, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, m: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be logged now.
// A nil Throttle allows everything.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.m[key]
	if lim == nil {
		lim = rate.NewLimiter(t.every, t.burst)
		t.m[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
