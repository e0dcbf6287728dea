package remote

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle wraps a fallback channel with a token bucket so it is never driven
// faster than its lower throughput allows. Every call waits for a token and
// honors ctx cancellation while waiting.
func Throttle(f Fallback, limit rate.Limit, burst int) Fallback {
	if f == nil {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttled{next: f, lim: rate.NewLimiter(limit, burst)}
}

type throttled struct {
	next Fallback
	lim  *rate.Limiter
}

func (t *throttled) Send(ctx context.Context, username, text string) (bool, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return false, err
	}
	return t.next.Send(ctx, username, text)
}

func (t *throttled) CheckExists(ctx context.Context, username string) (bool, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return false, err
	}
	return t.next.CheckExists(ctx, username)
}

func (t *throttled) CheckForReply(ctx context.Context, username string) (bool, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return false, err
	}
	return t.next.CheckForReply(ctx, username)
}
