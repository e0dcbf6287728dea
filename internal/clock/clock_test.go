package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var hooked time.Time
	f.OnSleep = func(now time.Time, _ time.Duration) { hooked = now }

	if err := f.Sleep(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	f.Advance(time.Minute)
	_ = f.Sleep(context.Background(), -time.Second)

	if got := f.Now(); !got.Equal(start.Add(150 * time.Second)) {
		t.Fatalf("now = %s", got)
	}
	if !hooked.Equal(start.Add(150 * time.Second)) {
		t.Fatalf("hook saw %s", hooked)
	}
	slept := f.Slept()
	if len(slept) != 2 || slept[0] != 90*time.Second || slept[1] != 0 {
		t.Fatalf("slept = %v", slept)
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(f.Slept()) != 0 {
		t.Fatalf("cancelled sleep must not advance")
	}
}

func TestFakeSleepHookCancels(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	f.OnSleep = func(time.Time, time.Duration) { cancel() }
	if err := f.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRealSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := Real().Sleep(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("sleep ignored the deadline")
	}
	if err := Real().Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
