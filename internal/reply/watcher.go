// Package reply waits for an inbound message on a conversation thread.
//
// Polling is adaptive: the interval grows after every empty poll and faster
// after a failed one, is capped, and restarts from the initial value on each
// Wait. Poll failures never end a wait early; only the timeout or ctx does.
package reply

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"outreach/internal/action"
	"outreach/internal/clock"
	"outreach/internal/escalation"
	"outreach/internal/quota"
	"outreach/internal/remote"
	"outreach/pkg/logx"
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Growth          float64
	FailureGrowth   float64
	// Jitter stretches each sleep by up to this fraction.
	Jitter       float64
	PollAttempts int
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 40 * time.Second,
		MaxInterval:     450 * time.Second,
		Growth:          1.3,
		FailureGrowth:   1.75,
		Jitter:          0.15,
		PollAttempts:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Growth < 1 {
		c.Growth = d.Growth
	}
	if c.FailureGrowth < c.Growth {
		c.FailureGrowth = max(d.FailureGrowth, c.Growth)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = d.PollAttempts
	}
	return c
}

// SeenStore persists seen IDs across runs. storage.Store implements it.
type SeenStore interface {
	MarkSeen(ctx context.Context, threadID, msgID string) error
	SeenIDs(ctx context.Context, threadID string) ([]string, error)
}

type Outcome int

const (
	TimedOut Outcome = iota
	Replied
)

func (o Outcome) String() string {
	if o == Replied {
		return "replied"
	}
	return "timed_out"
}

type Request struct {
	Thread  remote.Thread
	Timeout time.Duration
	// Seen is shared by every Wait on the same thread. Nil starts empty.
	Seen *SeenSet
}

type Result struct {
	Outcome Outcome
	// MessageID is empty when the reply was detected through the fallback.
	MessageID string
	Via       escalation.Via
	Polls     int
	Elapsed   time.Duration
}

var (
	errNoChannel = errors.New("reply: no channel can poll this thread")
	errDegraded  = errors.New("reply: primary listing failed, fallback saw no reply")
)

type Watcher struct {
	esc      *escalation.Escalator
	primary  remote.Primary
	fallback remote.Fallback
	store    SeenStore
	clk      clock.Clock
	log      logx.Logger

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

// New builds a watcher. primary, fallback and store may each be nil.
func New(cfg Config, esc *escalation.Escalator, primary remote.Primary, fallback remote.Fallback, store SeenStore, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Watcher{
		esc:      esc,
		primary:  primary,
		fallback: fallback,
		store:    store,
		clk:      esc.Clock(),
		log:      log.With(logx.String("comp", "reply")),
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (w *Watcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

func (w *Watcher) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Wait polls req.Thread until a new peer message shows up or req.Timeout
// elapses. The error is non-nil only when ctx ends the wait; req.Seen keeps
// whatever was recorded up to that point.
func (w *Watcher) Wait(ctx context.Context, req Request) (Result, error) {
	cfg := w.config()
	if req.Seen == nil {
		req.Seen = NewSeenSet()
	}
	log := w.log.With(logx.String("peer", req.Thread.PeerUsername), logx.String("thread", req.Thread.ID))
	w.loadSeen(ctx, req, log)

	start := w.clk.Now()
	deadline := start.Add(req.Timeout)
	interval := cfg.InitialInterval
	res := Result{Outcome: TimedOut}

	for {
		now := w.clk.Now()
		res.Elapsed = now.Sub(start)
		if !now.Before(deadline) {
			log.Info("reply.timed_out", logx.Int("polls", res.Polls), logx.Duration("elapsed", res.Elapsed))
			return res, nil
		}

		id, via, found, err := w.poll(ctx, req, deadline, cfg, log)
		res.Polls++
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		if found {
			res.Outcome, res.MessageID, res.Via = Replied, id, via
			res.Elapsed = w.clk.Now().Sub(start)
			log.Info("reply.detected", logx.String("msg", id), logx.String("via", via.String()), logx.Int("polls", res.Polls))
			return res, nil
		}

		grow := cfg.Growth
		if err != nil {
			grow = cfg.FailureGrowth
			log.Warn("reply.poll_failed", logx.Int("poll", res.Polls), logx.Err(err))
		}

		remaining := deadline.Sub(w.clk.Now())
		if remaining <= 0 {
			continue
		}
		sleep := w.jitter(interval, cfg.Jitter)
		if sleep > remaining {
			sleep = remaining
		}
		if err := w.clk.Sleep(ctx, sleep); err != nil {
			return res, err
		}

		interval = time.Duration(float64(interval) * grow)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}

// poll runs one check. With a thread ID the primary listing is tried first
// and the fallback reply check is the escalation; without one only the
// fallback can look.
func (w *Watcher) poll(ctx context.Context, req Request, deadline time.Time, cfg Config, log logx.Logger) (string, escalation.Via, bool, error) {
	var (
		msgs      []remote.Message
		fbReplied bool
		esc       escalation.Escalation
	)
	if req.Thread.ID != "" && w.primary != nil {
		esc.Primary = &action.Action{
			Name:        "list_messages",
			Scope:       quota.ScopePoll,
			MaxAttempts: cfg.PollAttempts,
			Deadline:    deadline,
			Run: func(ctx context.Context) error {
				out, err := w.primary.ListMessages(ctx, req.Thread.ID)
				if err != nil {
					return err
				}
				msgs = out
				return nil
			},
		}
	}
	if w.fallback != nil && req.Thread.PeerUsername != "" {
		esc.Fallback = func(ctx context.Context) (bool, error) {
			ok, err := w.fallback.CheckForReply(ctx, req.Thread.PeerUsername)
			fbReplied = ok
			return err == nil, err
		}
	}
	if esc.Primary == nil && esc.Fallback == nil {
		return "", escalation.ViaNone, false, errNoChannel
	}

	via, err := w.esc.Run(ctx, esc)
	if err != nil {
		return "", via, false, err
	}
	switch via {
	case escalation.ViaPrimary:
		hit, absorbed := req.Seen.scan(msgs, w.primary.SelfID())
		for _, id := range absorbed {
			w.persist(ctx, req.Thread.ID, id, log)
		}
		if hit == "" {
			return "", via, false, nil
		}
		req.Seen.Add(hit)
		w.persist(ctx, req.Thread.ID, hit, log)
		return hit, via, true, nil
	case escalation.ViaFallback:
		if fbReplied {
			req.Seen.SettleBacklog()
			return "", via, true, nil
		}
		if esc.Primary != nil {
			return "", via, false, errDegraded
		}
		return "", via, false, nil
	}
	return "", via, false, nil
}

func (w *Watcher) loadSeen(ctx context.Context, req Request, log logx.Logger) {
	if w.store == nil || req.Thread.ID == "" || req.Seen.loaded == req.Thread.ID {
		return
	}
	ids, err := w.store.SeenIDs(ctx, req.Thread.ID)
	if err != nil {
		log.Warn("reply.seen_load_failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		req.Seen.Add(id)
	}
	req.Seen.loaded = req.Thread.ID
}

func (w *Watcher) persist(ctx context.Context, threadID, id string, log logx.Logger) {
	if w.store == nil || threadID == "" {
		return
	}
	if err := w.store.MarkSeen(ctx, threadID, id); err != nil {
		log.Warn("reply.seen_persist_failed", logx.String("msg", id), logx.Err(err))
	}
}

func (w *Watcher) jitter(d time.Duration, j float64) time.Duration {
	if j <= 0 {
		return d
	}
	w.mu.Lock()
	r := w.rng.Float64()
	w.mu.Unlock()
	return time.Duration(float64(d) * (1 + r*j))
}
