// Package escalation retries an action on the fallback channel once the
// primary channel has given up on it.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"outreach/internal/action"
	"outreach/internal/clock"
	"outreach/internal/eventbus"
	"outreach/pkg/logx"
)

// ErrFallbackDeclined is the fallback's failure when it reports false without
// an error.
var ErrFallbackDeclined = errors.New("fallback channel reported failure")

type Via int

const (
	ViaNone Via = iota
	ViaPrimary
	ViaFallback
)

func (v Via) String() string {
	switch v {
	case ViaPrimary:
		return "primary"
	case ViaFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Escalation pairs a primary action with its fallback.
//
// Fallback is attempted at most once and never retried. A nil Primary runs the
// fallback alone; a nil Fallback returns the primary failure unchanged.
type Escalation struct {
	Primary  *action.Action
	Fallback func(ctx context.Context) (bool, error)
}

// Error reports that both channels failed.
type Error struct {
	Primary  error
	Fallback error
}

func (e *Error) Error() string {
	return fmt.Sprintf("primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Primary != nil {
		out = append(out, e.Primary)
	}
	if e.Fallback != nil {
		out = append(out, e.Fallback)
	}
	return out
}

type FallbackEvent struct {
	Action string
	Reason string
	OK     bool
}

type Escalator struct {
	exec *action.Executor
	log  logx.Logger
	bus  eventbus.Bus
}

func New(exec *action.Executor, log logx.Logger, bus eventbus.Bus) *Escalator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Discard()
	}
	return &Escalator{exec: exec, log: log.With(logx.String("comp", "escalation")), bus: bus}
}

func (s *Escalator) Clock() clock.Clock { return s.exec.Clock() }

// Run executes e.Primary through the executor and, if it fails for a reason
// other than the target not existing, calls e.Fallback exactly once.
//
// Context cancellation is returned as-is and never escalates. A fallback that
// succeeded is reported as ViaFallback whatever the context state.
func (s *Escalator) Run(ctx context.Context, e Escalation) (Via, error) {
	var primaryErr error
	name := "fallback"
	if e.Primary != nil {
		name = e.Primary.Name
		primaryErr = s.exec.Execute(ctx, *e.Primary)
		if primaryErr == nil {
			return ViaPrimary, nil
		}
		if ctx.Err() != nil || errors.Is(primaryErr, context.Canceled) {
			return ViaNone, primaryErr
		}
		if action.IsNotFound(primaryErr) || e.Fallback == nil {
			return ViaNone, primaryErr
		}
		s.log.Info("escalation.fallback", logx.String("action", name), logx.Err(primaryErr))
	} else if e.Fallback == nil {
		return ViaNone, errors.New("escalation: neither primary nor fallback set")
	}

	ok, err := e.Fallback(ctx)
	if err == nil && !ok {
		err = ErrFallbackDeclined
	}
	// A delivered fallback counts even if ctx ended meanwhile.
	if err != nil && ctx.Err() != nil {
		return ViaNone, ctx.Err()
	}
	s.publish(name, primaryErr, err == nil)
	if err != nil {
		s.log.Warn("escalation.failed", logx.String("action", name), logx.Err(err))
		if primaryErr == nil {
			return ViaNone, err
		}
		return ViaNone, &Error{Primary: primaryErr, Fallback: err}
	}
	return ViaFallback, nil
}

func (s *Escalator) publish(name string, reason error, ok bool) {
	ev := FallbackEvent{Action: name, OK: ok}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	s.bus.Publish(eventbus.Event{Type: "escalation.fallback", Time: s.Clock().Now(), Data: ev})
}
