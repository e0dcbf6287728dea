// Package conversation drives the three-stage exchange with one peer:
// resolve the peer, send the initial message, and send each later stage only
// after the peer replied to the previous one.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/action"
	"outreach/internal/clock"
	"outreach/internal/escalation"
	"outreach/internal/eventbus"
	"outreach/internal/quota"
	"outreach/internal/remote"
	"outreach/internal/reply"
	"outreach/internal/storage"
	"outreach/pkg/logx"
)

var (
	// ErrNoReply ends a run whose peer did not answer in time. It is not a
	// channel failure.
	ErrNoReply       = errors.New("no reply before timeout")
	ErrAlreadyActive = errors.New("conversation with this peer already running")
	ErrNoTarget      = errors.New("empty target username")
	errNoChannel     = errors.New("no channel configured")
)

type Config struct {
	ReplyTimeout   time.Duration
	PauseMin       time.Duration
	PauseMax       time.Duration
	LookupAttempts int // 0 uses the executor default
	SendAttempts   int
	Seed           int64
}

func DefaultConfig() Config {
	return Config{
		ReplyTimeout: 45 * time.Minute,
		PauseMin:     10 * time.Second,
		PauseMax:     20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.PauseMin < 0 {
		c.PauseMin = 0
	}
	if c.PauseMin == 0 && c.PauseMax == 0 {
		c.PauseMin, c.PauseMax = d.PauseMin, d.PauseMax
	}
	if c.PauseMax < c.PauseMin {
		c.PauseMax = c.PauseMin
	}
	return c
}

// Journal receives audit entries. storage.Store implements it.
type Journal interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators of an Orchestrator. Primary or Fallback may be
// nil, not both.
type Deps struct {
	Escalator *escalation.Escalator
	Watcher   *reply.Watcher
	Primary   remote.Primary
	Fallback  remote.Fallback
	Composer  Composer
	Journal   Journal
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Sent records one delivered stage message.
type Sent struct {
	Stage Stage
	Via   escalation.Via
	At    time.Time
}

type Result struct {
	RunID  string
	Peer   remote.UserIdentity
	Thread remote.Thread
	State  State
	Path   []State
	Sent   []Sent
}

// AbortError is returned for every run that did not complete. Stage is the
// stage being worked on; State is where the run was when it stopped.
type AbortError struct {
	State State
	Stage Stage
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("conversation aborted in %s (stage %s): %v", e.State, e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// StateEvent is published on every transition.
type StateEvent struct {
	RunID string
	Peer  string
	From  string
	To    string
	Error string
}

type Orchestrator struct {
	esc      *escalation.Escalator
	watcher  *reply.Watcher
	primary  remote.Primary
	fallback remote.Fallback
	composer Composer
	journal  Journal
	bus      eventbus.Bus
	clk      clock.Clock
	log      logx.Logger

	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	active map[string]struct{}
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Composer == nil {
		d.Composer = TemplateComposer{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Discard()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Orchestrator{
		esc:      d.Escalator,
		watcher:  d.Watcher,
		primary:  d.Primary,
		fallback: d.Fallback,
		composer: d.Composer,
		journal:  d.Journal,
		bus:      d.Bus,
		clk:      d.Escalator.Clock(),
		log:      d.Log.With(logx.String("comp", "conversation")),
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		active:   map[string]struct{}{},
	}
}

func (o *Orchestrator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Orchestrate runs one conversation with username to its end.
//
// A nil error means the run completed. Otherwise the error is ErrNoTarget,
// ErrAlreadyActive, or an *AbortError wrapping the reason: an action or
// escalation failure, ErrNoReply, or the context error. The Result is filled
// in either case.
func (o *Orchestrator) Orchestrate(ctx context.Context, username, topic string) (Result, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return Result{State: StateIdle}, ErrNoTarget
	}
	key := strings.ToLower(username)
	if !o.tryAcquire(key) {
		return Result{State: StateIdle}, ErrAlreadyActive
	}
	defer o.release(key)

	r := &run{
		o:     o,
		cfg:   o.config(),
		topic: topic,
		seen:  reply.NewSeenSet(),
		res: Result{
			RunID:  uuid.NewString(),
			State:  StateIdle,
			Path:   []State{StateIdle},
			Thread: remote.Thread{PeerUsername: username},
		},
	}
	r.log = o.log.With(logx.String("run", r.res.RunID), logx.String("peer", username))
	r.log.Info("conversation.started", logx.String("topic", topic))

	err := r.execute(ctx)
	if err != nil {
		var ae *AbortError
		if !errors.As(err, &ae) {
			ae = &AbortError{State: r.res.State, Stage: r.stage, Err: err}
		}
		r.transition(StateAborted, err)
		r.audit(ctx, storage.AuditEntry{Kind: storage.KindOutcome, Stage: ae.Stage.String(), State: ae.State.String(), Error: ae.Err.Error()})
		r.log.Warn("conversation.aborted", logx.String("in", ae.State.String()), logx.String("stage", ae.Stage.String()), logx.Err(ae.Err))
		return r.res, ae
	}
	r.audit(ctx, storage.AuditEntry{Kind: storage.KindOutcome, State: r.res.State.String()})
	r.log.Info("conversation.completed", logx.Int("sent", len(r.res.Sent)))
	return r.res, nil
}

func (o *Orchestrator) tryAcquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[key]; ok {
		return false
	}
	o.active[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

// Active lists the peers with a running conversation.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.active))
	for k := range o.active {
		out = append(out, k)
	}
	return out
}

// run is the state of one Orchestrate call. It is owned by one goroutine.
type run struct {
	o     *Orchestrator
	cfg   Config
	topic string
	seen  *reply.SeenSet
	stage Stage
	res   Result
	log   logx.Logger
}

func (r *run) execute(ctx context.Context) error {
	if r.o.primary == nil && r.o.fallback == nil {
		return errNoChannel
	}
	if err := r.lookup(ctx); err != nil {
		return err
	}
	for _, st := range stages {
		r.stage = st
		if st != StageInitial {
			if err := r.awaitReply(ctx); err != nil {
				return err
			}
		}
		if err := r.send(ctx, st); err != nil {
			return err
		}
		r.transition(after(st), nil)
	}
	return nil
}

func (r *run) lookup(ctx context.Context) error {
	username := r.res.Thread.PeerUsername
	var ident remote.UserIdentity
	esc := escalation.Escalation{}
	if p := r.o.primary; p != nil {
		esc.Primary = &action.Action{
			Name:        "lookup_user",
			Scope:       quota.ScopeLookup,
			MaxAttempts: r.cfg.LookupAttempts,
			Run: func(ctx context.Context) error {
				u, err := p.LookupUser(ctx, username)
				if err != nil {
					return err
				}
				ident = u
				return nil
			},
		}
	}
	if fb := r.o.fallback; fb != nil {
		esc.Fallback = func(ctx context.Context) (bool, error) { return fb.CheckExists(ctx, username) }
	}

	via, err := r.o.esc.Run(ctx, esc)
	if err != nil {
		return fmt.Errorf("lookup @%s: %w", username, err)
	}
	if via == escalation.ViaFallback {
		// The fallback only confirms the account exists.
		ident = remote.UserIdentity{Username: username}
	}
	if ident.Username == "" {
		ident.Username = username
	}
	r.res.Peer = ident
	r.res.Thread.PeerID = ident.ID
	r.log.Debug("conversation.peer_resolved", logx.String("peer_id", ident.ID), logx.String("via", via.String()))
	return nil
}

func (r *run) awaitReply(ctx context.Context) error {
	res, err := r.o.watcher.Wait(ctx, reply.Request{Thread: r.res.Thread, Timeout: r.cfg.ReplyTimeout, Seen: r.seen})
	if err != nil {
		return err
	}
	if res.Outcome != reply.Replied {
		return ErrNoReply
	}
	return nil
}

func (r *run) send(ctx context.Context, st Stage) error {
	if err := r.o.clk.Sleep(ctx, r.o.pause(r.cfg)); err != nil {
		return err
	}
	text, err := r.o.composer.Compose(st, r.res.Peer, r.topic)
	if err != nil {
		return fmt.Errorf("compose %s: %w", st, err)
	}

	var ref remote.ThreadRef
	esc := escalation.Escalation{}
	// Without a peer ID (resolved through the fallback) only the fallback can
	// address the peer.
	if p := r.o.primary; p != nil && r.res.Peer.ID != "" {
		peerID := r.res.Peer.ID
		esc.Primary = &action.Action{
			Name:        "send_" + st.String(),
			Scope:       quota.ScopeSend,
			MaxAttempts: r.cfg.SendAttempts,
			Run: func(ctx context.Context) error {
				out, err := p.SendMessage(ctx, peerID, text)
				if err != nil {
					return err
				}
				ref = out
				return nil
			},
		}
	}
	if fb := r.o.fallback; fb != nil {
		username := r.res.Thread.PeerUsername
		esc.Fallback = func(ctx context.Context) (bool, error) { return fb.Send(ctx, username, text) }
	}
	if esc.Primary == nil && esc.Fallback == nil {
		return errNoChannel
	}

	via, err := r.o.esc.Run(ctx, esc)
	if err != nil {
		return fmt.Errorf("send %s: %w", st, err)
	}
	if via == escalation.ViaPrimary && r.res.Thread.ID == "" && ref.ThreadID != "" {
		r.res.Thread.ID = ref.ThreadID
		r.seen.SettleBacklog()
	}
	sent := Sent{Stage: st, Via: via, At: r.o.clk.Now()}
	r.res.Sent = append(r.res.Sent, sent)
	r.audit(ctx, storage.AuditEntry{At: sent.At, Kind: storage.KindSend, Stage: st.String(), Via: via.String()})
	r.log.Info("conversation.sent", logx.String("stage", st.String()), logx.String("via", via.String()), logx.String("thread", r.res.Thread.ID))
	return nil
}

func (r *run) transition(to State, cause error) {
	from := r.res.State
	r.res.State = to
	r.res.Path = append(r.res.Path, to)
	ev := StateEvent{RunID: r.res.RunID, Peer: r.res.Thread.PeerUsername, From: from.String(), To: to.String()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.o.bus.Publish(eventbus.Event{Type: "conversation.state", Time: r.o.clk.Now(), Data: ev})
}

func (r *run) audit(ctx context.Context, e storage.AuditEntry) {
	if r.o.journal == nil {
		return
	}
	if e.At.IsZero() {
		e.At = r.o.clk.Now()
	}
	e.RunID = r.res.RunID
	e.Peer = r.res.Thread.PeerUsername
	e.ThreadID = r.res.Thread.ID
	// The run context may already be cancelled; the outcome still gets written.
	if err := r.o.journal.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("conversation.audit_failed", logx.Err(err))
	}
}

func (o *Orchestrator) pause(cfg Config) time.Duration {
	span := int64(cfg.PauseMax - cfg.PauseMin)
	if span <= 0 {
		return cfg.PauseMin
	}
	o.mu.Lock()
	n := o.rng.Int63n(span + 1)
	o.mu.Unlock()
	return cfg.PauseMin + time.Duration(n)
}
