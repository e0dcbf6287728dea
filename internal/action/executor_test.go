package action

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"outreach/internal/clock"
	"outreach/internal/eventbus"
	"outreach/internal/quota"
	"outreach/internal/remote"
	"outreach/pkg/logx"
)

var t0 = time.Date(2025, 4, 20, 12, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *clock.Fake, *quota.Tracker) {
	t.Helper()
	clk := clock.NewFake(t0)
	q := quota.New(quota.DefaultConfig(), clk)
	if cfg.Seed == 0 {
		cfg.Seed = 7
	}
	return New(cfg, q, clk, logx.Nop(), eventbus.New()), clk, q
}

func failing(err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return err
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	ex, clk, q := newTestExecutor(t, Config{})
	calls := 0
	err := ex.Execute(context.Background(), Action{Name: "lookup", Scope: quota.ScopeLookup, Run: failing(nil, &calls)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(clk.Slept()) != 1 {
		t.Fatalf("expected one pre-attempt delay, slept %v", clk.Slept())
	}
	for _, s := range q.Snapshot() {
		if (s.Scope == quota.ScopeLookup || s.Scope == quota.ScopeGlobal) && s.Count != 1 {
			t.Fatalf("scope %s count = %d, want 1", s.Scope, s.Count)
		}
	}
}

func TestExecuteTransientExhaustsAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("attempts=%d", n), func(t *testing.T) {
			ex, _, _ := newTestExecutor(t, Config{})
			calls := 0
			err := ex.Execute(context.Background(), Action{
				Name: "send", Scope: quota.ScopeSend, MaxAttempts: n,
				Run: failing(fmt.Errorf("status 503: %w", remote.ErrTransient), &calls),
			})
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("err = %v, want *Failure", err)
			}
			if calls != n {
				t.Fatalf("calls = %d, want %d", calls, n)
			}
			if f.Class != ClassTransient || f.Attempts != n {
				t.Fatalf("failure = %+v", f)
			}
		})
	}
}

func TestExecuteNotFoundIsNotRetried(t *testing.T) {
	ex, _, _ := newTestExecutor(t, Config{})
	calls := 0
	err := ex.Execute(context.Background(), Action{
		Name: "lookup", Scope: quota.ScopeLookup, MaxAttempts: 5,
		Run: failing(errors.New("telegram: chat not found (400)"), &calls),
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestExecuteNoRetryStopsImmediately(t *testing.T) {
	ex, _, _ := newTestExecutor(t, Config{})
	calls := 0
	err := ex.Execute(context.Background(), Action{
		Name: "send", MaxAttempts: 4,
		Run: failing(NoRetry(errors.New("peer has no id")), &calls),
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	var f *Failure
	if !errors.As(err, &f) || f.Attempts != 1 {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteRateLimitSaturatesAndCoolsDown(t *testing.T) {
	ex, clk, q := newTestExecutor(t, Config{})
	calls := 0
	run := func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	}

	var events []string
	ch, unsub := ex.bus.Subscribe(16)
	defer unsub()

	if err := ex.Execute(context.Background(), Action{Name: "send", Scope: quota.ScopeSend, Run: run}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	var cooled bool
	for _, d := range clk.Slept() {
		if d >= 10*time.Minute && d <= 15*time.Minute {
			cooled = true
		}
	}
	if !cooled {
		t.Fatalf("no cooldown in [10m,15m] among sleeps %v", clk.Slept())
	}
	// Saturation forces the next acquire to wait out a full window.
	if elapsed := clk.Now().Sub(t0); elapsed < time.Hour {
		t.Fatalf("elapsed %s, want at least one window", elapsed)
	}
	for _, s := range q.Snapshot() {
		if s.Scope == quota.ScopeLookup && s.Wait != 0 {
			t.Fatalf("lookup scope blocked for %s by a send rate limit", s.Wait)
		}
	}

drain:
	for {
		select {
		case ev := <-ch:
			events = append(events, ev.Type)
		default:
			break drain
		}
	}
	if len(events) == 0 || events[0] != "action.rate_limited" {
		t.Fatalf("events = %v, want action.rate_limited first", events)
	}
}

func TestExecuteTransientElevatesNextDelay(t *testing.T) {
	cfg := Config{BaseDelay: 10 * time.Second, Growth: 1.5, Jitter: 0.01, TransientFactor: 2}

	delays := func(err error) []time.Duration {
		ex, clk, _ := newTestExecutor(t, cfg)
		calls := 0
		_ = ex.Execute(context.Background(), Action{Name: "poll", Scope: quota.ScopePoll, MaxAttempts: 2, Run: failing(err, &calls)})
		return clk.Slept()
	}

	plain := delays(errors.New("boom"))
	elevated := delays(errors.New("HTTP 502 bad gateway"))
	if len(plain) != 2 || len(elevated) != 2 {
		t.Fatalf("sleeps plain=%v elevated=%v", plain, elevated)
	}
	within := func(got, want time.Duration) bool {
		lo, hi := float64(want)*0.98, float64(want)*1.02
		return float64(got) >= lo && float64(got) <= hi
	}
	if !within(plain[0], 10*time.Second) || !within(plain[1], 15*time.Second) {
		t.Fatalf("plain delays = %v, want ~10s then ~15s", plain)
	}
	if !within(elevated[1], 30*time.Second) {
		t.Fatalf("elevated delay = %s, want ~30s", elevated[1])
	}
}

func TestExecuteQuotaWaitDoesNotConsumeAttempt(t *testing.T) {
	clk := clock.NewFake(t0)
	q := quota.New(quota.Config{Window: time.Hour, Global: 1}, clk)
	if _, ok := q.TryAcquire(quota.ScopeSend); !ok {
		t.Fatal("seed acquire refused")
	}
	ex := New(Config{Seed: 1}, q, clk, logx.Nop(), nil)

	calls := 0
	err := ex.Execute(context.Background(), Action{Name: "send", Scope: quota.ScopeSend, MaxAttempts: 1, Run: failing(nil, &calls)})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if clk.Slept()[0] != time.Hour {
		t.Fatalf("first sleep = %s, want the 1h quota wait", clk.Slept()[0])
	}
}

func TestExecuteCancelDuringBackoff(t *testing.T) {
	ex, clk, _ := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.OnSleep = func(time.Time, time.Duration) { cancel() }

	calls := 0
	err := ex.Execute(ctx, Action{Name: "send", Run: failing(nil, &calls)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var f *Failure
	if errors.As(err, &f) {
		t.Fatalf("cancellation reported as failure: %v", f)
	}
	if calls != 0 {
		t.Fatalf("action ran after cancellation")
	}
}

func TestExecuteDeadlineBoundsWaits(t *testing.T) {
	ex, clk, _ := newTestExecutor(t, Config{BaseDelay: 30 * time.Second})
	calls := 0
	err := ex.Execute(context.Background(), Action{
		Name: "poll", Scope: quota.ScopePoll,
		Deadline: t0.Add(10 * time.Second),
		Run:      failing(nil, &calls),
	})
	if ClassOf(err) != ClassTimeout || !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want timeout failure", err)
	}
	if calls != 0 || len(clk.Slept()) != 0 {
		t.Fatalf("calls=%d slept=%v, want neither", calls, clk.Slept())
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	ex, _, _ := newTestExecutor(t, Config{})
	err := ex.Execute(context.Background(), Action{Name: "send", MaxAttempts: 1, Run: func(context.Context) error {
		panic("nil map")
	}})
	var f *Failure
	if !errors.As(err, &f) || f.Attempts != 1 {
		t.Fatalf("err = %v, want failure after 1 attempt", err)
	}
}

func TestExecuteRetryHintRaisesCooldown(t *testing.T) {
	cases := []struct {
		hint    time.Duration
		wantMin time.Duration
		wantMax time.Duration
	}{
		{3 * time.Hour, 3 * time.Hour, 3 * time.Hour},
		{time.Second, 10 * time.Minute, 15 * time.Minute},
	}
	for _, tc := range cases {
		ex, clk, _ := newTestExecutor(t, Config{})
		calls := 0
		err := ex.Execute(context.Background(), Action{
			Name: "send", Scope: quota.ScopeSend, MaxAttempts: 2,
			Run: func(context.Context) error {
				calls++
				if calls == 1 {
					return remote.WithRetryDelay(fmt.Errorf("flood: %w", remote.ErrRateLimited), tc.hint)
				}
				return nil
			},
		})
		if err != nil {
			t.Fatalf("hint %s: Execute: %v", tc.hint, err)
		}
		slept := clk.Slept()
		if len(slept) < 2 {
			t.Fatalf("hint %s: slept %v", tc.hint, slept)
		}
		if cd := slept[1]; cd < tc.wantMin || cd > tc.wantMax {
			t.Fatalf("hint %s: cooldown = %s, want in [%s, %s]", tc.hint, cd, tc.wantMin, tc.wantMax)
		}
	}
}
