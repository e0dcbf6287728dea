// Package quota tracks request budgets per scope over a rolling window.
//
// Every action is charged against its own scope and against the global scope.
// An acquisition is admitted only when both have room, and then recorded in
// both inside a single critical section, so concurrent conversations cannot
// jointly overrun a window. Nothing is ever dropped: a refused acquisition
// reports how long to wait.
package quota

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"outreach/internal/clock"
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeLookup Scope = "lookup"
	ScopeSend   Scope = "send"
	ScopePoll   Scope = "poll"
)

const (
	DefaultWindow      = time.Hour
	DefaultGlobalMax   = 50
	DefaultCategoryMax = 20
)

// Config sets the per-window maximum for each scope.
//
// Scopes not listed (and not global) are capped at the global maximum.
type Config struct {
	Window time.Duration
	Global int
	Scopes map[Scope]int
}

// DefaultConfig returns 50/hour global and 20/hour for lookup, send and poll.
func DefaultConfig() Config {
	return Config{
		Window: DefaultWindow,
		Global: DefaultGlobalMax,
		Scopes: map[Scope]int{
			ScopeLookup: DefaultCategoryMax,
			ScopeSend:   DefaultCategoryMax,
			ScopePoll:   DefaultCategoryMax,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Global <= 0 {
		c.Global = DefaultGlobalMax
	}
	scopes := make(map[Scope]int, len(c.Scopes))
	for k, v := range c.Scopes {
		k = Scope(strings.ToLower(strings.TrimSpace(string(k))))
		if k == "" || k == ScopeGlobal {
			continue
		}
		if v <= 0 {
			v = DefaultCategoryMax
		}
		scopes[k] = v
	}
	c.Scopes = scopes
	return c
}

// scopeState is the acquisition log of one scope inside the current window.
// count is len(hits); windowStart is hits[0].
type scopeState struct {
	max  int
	hits []time.Time
}

// expire drops acquisitions that left the window.
func (s *scopeState) expire(now time.Time, window time.Duration) {
	i := 0
	for i < len(s.hits) && now.Sub(s.hits[i]) >= window {
		i++
	}
	if i > 0 {
		s.hits = append(s.hits[:0], s.hits[i:]...)
	}
}

// wait returns how long until one slot frees up (0 if one is free now).
func (s *scopeState) wait(now time.Time, window time.Duration) time.Duration {
	if len(s.hits) < s.max {
		return 0
	}
	// The slot of the oldest acquisition that still blocks us.
	oldest := s.hits[len(s.hits)-s.max]
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clk clock.Clock

	mu     sync.Mutex
	window time.Duration
	scopes map[Scope]*scopeState
}

func New(cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	t := &Tracker{clk: clk, scopes: map[Scope]*scopeState{}}
	t.applyLocked(cfg.withDefaults())
	return t
}

// Apply swaps limits at runtime. Recorded acquisitions are kept, so lowering a
// limit takes effect on the next acquire.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.applyLocked(cfg.withDefaults())
	t.mu.Unlock()
}

func (t *Tracker) applyLocked(cfg Config) {
	t.window = cfg.Window
	t.stateLocked(ScopeGlobal).max = cfg.Global
	for sc, st := range t.scopes {
		if sc == ScopeGlobal {
			continue
		}
		if m, ok := cfg.Scopes[sc]; ok {
			st.max = m
		} else {
			st.max = cfg.Global
		}
	}
	for sc, m := range cfg.Scopes {
		t.stateLocked(sc).max = m
	}
}

func (t *Tracker) stateLocked(sc Scope) *scopeState {
	st := t.scopes[sc]
	if st == nil {
		max := DefaultGlobalMax
		if g := t.scopes[ScopeGlobal]; g != nil {
			max = g.max
		}
		st = &scopeState{max: max}
		t.scopes[sc] = st
	}
	return st
}

// TryAcquire charges one request to scope and to the global scope.
//
// It returns ok=true when the request may proceed now. Otherwise it returns
// the mandatory wait before trying again; nothing was recorded.
func (t *Tracker) TryAcquire(sc Scope) (wait time.Duration, ok bool) {
	sc = normalize(sc)
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	global := t.stateLocked(ScopeGlobal)
	global.expire(now, t.window)
	states := []*scopeState{global}
	if sc != ScopeGlobal {
		st := t.stateLocked(sc)
		st.expire(now, t.window)
		states = append(states, st)
	}

	for _, st := range states {
		if d := st.wait(now, t.window); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait, false
	}
	for _, st := range states {
		st.hits = append(st.hits, now)
	}
	return 0, true
}

// Acquire blocks until TryAcquire admits the request or ctx is done.
// The wait is a delay, not a failure.
func (t *Tracker) Acquire(ctx context.Context, sc Scope) error {
	for {
		wait, ok := t.TryAcquire(sc)
		if ok {
			return nil
		}
		if err := t.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Saturate marks scope as exhausted starting now, so the next acquire waits a
// full window. Used when the remote side signals rate limiting.
func (t *Tracker) Saturate(sc Scope) {
	sc = normalize(sc)
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(sc)
	hits := make([]time.Time, st.max)
	for i := range hits {
		hits[i] = now
	}
	st.hits = hits
}

// ScopeSnapshot is a diagnostic view of one scope.
type ScopeSnapshot struct {
	Scope       Scope
	Count       int
	Max         int
	WindowStart time.Time
	Wait        time.Duration
}

func (t *Tracker) Snapshot() []ScopeSnapshot {
	now := t.clk.Now()

	t.mu.Lock()
	out := make([]ScopeSnapshot, 0, len(t.scopes))
	for sc, st := range t.scopes {
		st.expire(now, t.window)
		snap := ScopeSnapshot{Scope: sc, Count: len(st.hits), Max: st.max, Wait: st.wait(now, t.window)}
		if len(st.hits) > 0 {
			snap.WindowStart = st.hits[0]
		}
		out = append(out, snap)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

func normalize(sc Scope) Scope {
	s := Scope(strings.ToLower(strings.TrimSpace(string(sc))))
	if s == "" {
		return ScopeGlobal
	}
	return s
}
