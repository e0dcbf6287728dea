// Package action runs a single remote call under quota, backoff and bounded
// retries, and reports one terminal outcome.
package action

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outreach/internal/clock"
	"outreach/internal/eventbus"
	"outreach/internal/quota"
	"outreach/internal/remote"
	"outreach/pkg/logx"
)

// Action is one remote call. Results are captured by the Run closure; the
// executor only sees the error.
type Action struct {
	Name  string
	Scope quota.Scope

	// MaxAttempts <= 0 uses Config.MaxAttempts.
	MaxAttempts int

	// Deadline, if set, bounds every wait inside Execute. A quota wait,
	// backoff or cooldown that would end after it fails the action with
	// ClassTimeout instead of sleeping.
	Deadline time.Time

	Run func(ctx context.Context) error
}

type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	Growth          float64
	Jitter          float64
	TransientFactor float64
	MaxDelay        time.Duration
	CooldownMin     time.Duration
	CooldownMax     time.Duration

	// Seed fixes the jitter source. 0 seeds from the wall clock.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       12 * time.Second,
		Growth:          1.5,
		Jitter:          0.2,
		TransientFactor: 2,
		MaxDelay:        5 * time.Minute,
		CooldownMin:     10 * time.Minute,
		CooldownMax:     15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Growth < 1 {
		c.Growth = d.Growth
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.TransientFactor < 1 {
		c.TransientFactor = d.TransientFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.CooldownMin <= 0 {
		c.CooldownMin = d.CooldownMin
	}
	if c.CooldownMax < c.CooldownMin {
		c.CooldownMax = c.CooldownMin
	}
	return c
}

// Event payloads published on the bus.
type RetryEvent struct {
	Action  string
	Scope   quota.Scope
	Attempt int
	Class   string
	Delay   time.Duration
	Error   string
}

type FailedEvent struct {
	Action   string
	Scope    quota.Scope
	Attempts int
	Class    string
	Error    string
}

// Executor is safe for concurrent use. Many conversations share one executor
// and one quota tracker.
type Executor struct {
	quota *quota.Tracker
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	warn  *logx.Throttle

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func New(cfg Config, q *quota.Tracker, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Discard()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{
		quota: q,
		clk:   clk,
		log:   log.With(logx.String("comp", "action")),
		bus:   bus,
		warn:  logx.NewThrottle(rate.Every(time.Minute), 3),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Apply swaps retry settings at runtime; running actions keep theirs.
func (e *Executor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Executor) Clock() clock.Clock { return e.clk }

// Execute runs a until it succeeds or its attempts are spent.
//
// It returns nil on success, a *Failure when the action failed for good, or
// ctx.Err() when ctx was cancelled. Every attempt is charged to the quota
// before it starts; waiting for quota does not consume an attempt.
func (e *Executor) Execute(ctx context.Context, a Action) error {
	if a.Run == nil {
		return &Failure{Action: a.Name, Class: ClassOther, Err: errors.New("action has no Run func")}
	}
	cfg := e.config()
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	if a.Scope == "" {
		a.Scope = quota.ScopeGlobal
	}
	log := e.log.With(logx.String("action", a.Name), logx.String("scope", string(a.Scope)))

	var (
		lastErr   error
		lastClass Class
		elevated  bool
		cooldown  time.Duration
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if cooldown > 0 {
			if err := e.wait(ctx, a, cooldown, attempt, lastErr); err != nil {
				return err
			}
			cooldown = 0
		}
		if err := e.acquire(ctx, a, attempt, lastErr, log); err != nil {
			return err
		}
		if err := e.wait(ctx, a, e.backoff(cfg, attempt, elevated), attempt, lastErr); err != nil {
			return err
		}

		err := e.invoke(ctx, a, log)
		if err == nil {
			if attempt > 0 {
				log.Info("action.recovered", logx.Int("attempts", attempt+1))
			}
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		lastErr, lastClass = err, Classify(err)
		elevated = false
		if IsNoRetry(err) || lastClass == ClassNotFound {
			return e.fail(a, lastClass, attempt+1, lastErr, log)
		}

		final := attempt+1 >= maxAttempts
		switch lastClass {
		case ClassRateLimited:
			if e.quota != nil {
				e.quota.Saturate(a.Scope)
			}
			if !final {
				// A server-side retry hint is a floor, never a ceiling.
				cooldown = max(e.cooldown(cfg), remote.RetryDelay(err))
			}
			log.Warn("action.rate_limited", logx.Int("attempt", attempt+1), logx.Duration("cooldown", cooldown), logx.Err(err))
			e.publish("action.rate_limited", RetryEvent{Action: a.Name, Scope: a.Scope, Attempt: attempt + 1, Class: lastClass.String(), Delay: cooldown, Error: err.Error()})
		case ClassTransient:
			elevated = true
		}
		if final {
			break
		}
		if lastClass != ClassRateLimited {
			if e.warn.Allow(a.Name + "/" + lastClass.String()) {
				log.Warn("action.retry", logx.Int("attempt", attempt+1), logx.String("class", lastClass.String()), logx.Err(err))
			} else {
				log.Debug("action.retry", logx.Int("attempt", attempt+1), logx.String("class", lastClass.String()), logx.Err(err))
			}
			e.publish("action.retry", RetryEvent{Action: a.Name, Scope: a.Scope, Attempt: attempt + 1, Class: lastClass.String(), Error: err.Error()})
		}
	}
	return e.fail(a, lastClass, maxAttempts, lastErr, log)
}

// acquire blocks until the quota admits one more request for a.Scope.
func (e *Executor) acquire(ctx context.Context, a Action, attempt int, last error, log logx.Logger) error {
	if e.quota == nil {
		return ctx.Err()
	}
	for {
		wait, ok := e.quota.TryAcquire(a.Scope)
		if ok {
			return nil
		}
		if e.warn.Allow("quota/" + string(a.Scope)) {
			log.Info("action.quota_wait", logx.Duration("wait", wait))
		}
		if err := e.wait(ctx, a, wait, attempt, last); err != nil {
			return err
		}
	}
}

// wait suspends for d unless that would cross a's deadline.
func (e *Executor) wait(ctx context.Context, a Action, d time.Duration, attempts int, last error) error {
	if d <= 0 {
		return ctx.Err()
	}
	if !a.Deadline.IsZero() && e.clk.Now().Add(d).After(a.Deadline) {
		err := ErrDeadline
		if last != nil {
			err = fmt.Errorf("%w (last error: %v)", ErrDeadline, last)
		}
		return &Failure{Action: a.Name, Class: ClassTimeout, Attempts: attempts, Err: err}
	}
	return e.clk.Sleep(ctx, d)
}

// invoke runs the action, converting a panic into an error so one bad channel
// implementation cannot take down a conversation goroutine.
func (e *Executor) invoke(ctx context.Context, a Action, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("action.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return a.Run(ctx)
}

func (e *Executor) fail(a Action, class Class, attempts int, err error, log logx.Logger) error {
	f := &Failure{Action: a.Name, Class: class, Attempts: attempts, Err: err}
	log.Warn("action.failed", logx.Int("attempts", attempts), logx.String("class", class.String()), logx.Err(err))
	e.publish("action.failed", FailedEvent{Action: a.Name, Scope: a.Scope, Attempts: attempts, Class: class.String(), Error: err.Error()})
	return f
}

func (e *Executor) publish(typ string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clk.Now(), Data: data})
}

// backoff is the mandatory delay before attempt (0-indexed):
// BaseDelay * Growth^attempt, times TransientFactor after a transient failure,
// with symmetric jitter, capped at MaxDelay.
func (e *Executor) backoff(cfg Config, attempt int, elevated bool) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Growth, float64(attempt))
	if elevated {
		d *= cfg.TransientFactor
	}
	if cfg.Jitter > 0 && d > 0 {
		e.mu.Lock()
		r := (e.rng.Float64()*2 - 1) * cfg.Jitter
		e.mu.Unlock()
		d *= 1 + r
	}
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// cooldown picks a uniform wait in [CooldownMin, CooldownMax].
func (e *Executor) cooldown(cfg Config) time.Duration {
	span := int64(cfg.CooldownMax - cfg.CooldownMin)
	if span <= 0 {
		return cfg.CooldownMin
	}
	e.mu.Lock()
	n := e.rng.Int63n(span + 1)
	e.mu.Unlock()
	return cfg.CooldownMin + time.Duration(n)
}
