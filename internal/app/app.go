// Package app wires the outreach components from a config file and runs
// conversations against the configured targets.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"outreach/internal/action"
	"outreach/internal/clock"
	"outreach/internal/config"
	"outreach/internal/conversation"
	"outreach/internal/escalation"
	"outreach/internal/eventbus"
	"outreach/internal/quota"
	"outreach/internal/remote"
	"outreach/internal/reply"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/storage"
	"outreach/internal/transport/telegram"
	logx "outreach/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	quota    *quota.Tracker
	exec     *action.Executor
	watcher  *reply.Watcher
	orch     *conversation.Orchestrator
	composer *liveComposer
	channel  *telegram.Channel

	sup *rtsup.Supervisor
}

// TargetResult is the outcome of one conversation.
type TargetResult struct {
	Target string
	Result conversation.Result
	Err    error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tc, _ := mapTelegramConfig(cfg)
	inbox := telegram.NewInbox(tc.InboxLimit)
	ch, err := telegram.New(tc, inbox, log.With(logx.String("comp", "telegram")))
	if err != nil {
		closeStore(store)
		return nil, err
	}
	var fallback remote.Fallback
	if cfg.Fallback.On() {
		limit, burst, _ := mapFallbackLimit(cfg)
		fallback = remote.Throttle(telegram.NewHTTPFallback(tc, inbox), limit, burst)
	}

	clk := clock.Real()
	qc, _ := mapQuotaConfig(cfg)
	tracker := quota.New(qc, clk)
	ec, _ := mapExecutorConfig(cfg)
	exec := action.New(ec, tracker, clk, log, bus)
	esc := escalation.New(exec, log, bus)

	var seen reply.SeenStore
	if store != nil {
		seen = store
	}
	wc, _ := mapWatcherConfig(cfg)
	watcher := reply.New(wc, esc, ch, fallback, seen, log)

	cc, tpl, _ := mapConversationConfig(cfg)
	composer := newLiveComposer(tpl)
	var journal conversation.Journal
	if store != nil {
		journal = store
	}
	orch := conversation.New(cc, conversation.Deps{
		Escalator: esc,
		Watcher:   watcher,
		Primary:   ch,
		Fallback:  fallback,
		Composer:  composer,
		Journal:   journal,
		Bus:       bus,
		Log:       log,
	})

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		quota:    tracker,
		exec:     exec,
		watcher:  watcher,
		orch:     orch,
		composer: composer,
		channel:  ch,
	}, nil
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start begins polling Telegram and watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.channel.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.Forward(c, a.bus, 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		})
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(last, cfg)
				last = cfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// apply pushes a validated config into the running components.
func (a *App) apply(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(cfg))
	if qc, err := mapQuotaConfig(cfg); err == nil {
		a.quota.Apply(qc)
	}
	if ec, err := mapExecutorConfig(cfg); err == nil {
		a.exec.Apply(ec)
	}
	if wc, err := mapWatcherConfig(cfg); err == nil {
		a.watcher.Apply(wc)
	}
	if cc, tpl, err := mapConversationConfig(cfg); err == nil {
		a.orch.Apply(cc)
		a.composer.Set(tpl)
	}
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(r, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Run orchestrates every target concurrently and waits for all of them.
// Targets share one quota tracker, so together they never exceed a window.
func (a *App) Run(ctx context.Context, targets []string, topic string) []TargetResult {
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	targets = dedupeTargets(targets)
	results := make([]TargetResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		run := func(c context.Context) error {
			defer wg.Done()
			res, err := a.orch.Orchestrate(c, target, topic)
			results[i] = TargetResult{Target: target, Result: res, Err: err}
			a.logResult(results[i])
			return nil
		}
		if a.sup != nil {
			a.sup.Go("conversation."+target, run)
		} else {
			go func() { _ = run(ctx) }()
		}
	}
	wg.Wait()
	return results
}

func (a *App) logResult(r TargetResult) {
	fields := []logx.Field{
		logx.String("target", r.Target),
		logx.String("run", r.Result.RunID),
		logx.String("state", r.Result.State.String()),
		logx.Int("sent", len(r.Result.Sent)),
	}
	switch {
	case r.Err == nil:
		a.log.Info("target finished", fields...)
	case errors.Is(r.Err, conversation.ErrNoReply):
		a.log.Info("target stopped replying", fields...)
	default:
		a.log.Warn("target failed", append(fields, logx.Err(r.Err))...)
	}
}

// dedupeTargets trims "@" and drops blanks and case-insensitive duplicates.
func dedupeTargets(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range in {
		t = strings.TrimPrefix(strings.TrimSpace(t), "@")
		k := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// quotaSummary renders scope usage as "global=3/50 send=2/20".
func quotaSummary(snaps []quota.ScopeSnapshot) string {
	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, fmt.Sprintf("%s=%d/%d", s.Scope, s.Count, s.Max))
	}
	return strings.Join(parts, " ")
}

// Stop unwinds the components in reverse start order. Each step is bounded
// so one slow component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		closeStore(a.store)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if active := a.orch.Active(); len(active) > 0 {
		sort.Strings(active)
		a.log.Warn("interrupting conversations", logx.String("peers", strings.Join(active, ",")))
	}
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("telegram", 3*time.Second, a.channel.Stop)
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()), logx.String("quota", quotaSummary(a.quota.Snapshot())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
