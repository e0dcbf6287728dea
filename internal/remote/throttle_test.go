package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/time/rate"
)

type countingFallback struct{ calls atomic.Int32 }

func (c *countingFallback) Send(context.Context, string, string) (bool, error) {
	c.calls.Add(1)
	return true, nil
}

func (c *countingFallback) CheckExists(context.Context, string) (bool, error) {
	c.calls.Add(1)
	return true, nil
}

func (c *countingFallback) CheckForReply(context.Context, string) (bool, error) {
	c.calls.Add(1)
	return false, nil
}

func TestThrottleNilStaysNil(t *testing.T) {
	if Throttle(nil, rate.Inf, 1) != nil {
		t.Fatalf("nil fallback must stay nil")
	}
}

func TestThrottleWaitsForToken(t *testing.T) {
	inner := &countingFallback{}
	// One token, refilled roughly once a day.
	f := Throttle(inner, rate.Limit(1.0/86400), 1)

	if ok, err := f.CheckExists(context.Background(), "alice"); err != nil || !ok {
		t.Fatalf("first call: %v, %v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Send(ctx, "alice", "hi"); err == nil {
		t.Fatalf("expected error while waiting for a token")
	} else if errors.Is(err, ErrTransient) {
		t.Fatalf("limiter error must not look like a remote failure: %v", err)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("inner calls = %d, want 1", n)
	}
}

func TestThrottleUnlimitedPassesThrough(t *testing.T) {
	inner := &countingFallback{}
	f := Throttle(inner, rate.Inf, 0)
	for i := 0; i < 5; i++ {
		if _, err := f.CheckForReply(context.Background(), "bob"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := inner.calls.Load(); n != 5 {
		t.Fatalf("inner calls = %d, want 5", n)
	}
}
