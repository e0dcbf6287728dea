package action

import (
	"errors"
	"fmt"
)

// ErrDeadline is wrapped by Timeout failures: the next wait would have ended
// past the action's deadline.
var ErrDeadline = errors.New("action deadline exceeded")

// Failure is the terminal outcome of an action that did not succeed.
//
// Intermediate retries are not visible to callers; Failure carries only the
// classification of the last attempt.
type Failure struct {
	Action   string
	Class    Class
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	name := f.Action
	if name == "" {
		name = "action"
	}
	return fmt.Sprintf("%s failed after %d attempt(s) [%s]: %v", name, f.Attempts, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ClassOf returns the class recorded in a Failure anywhere in err's chain, or
// classifies err directly.
func ClassOf(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return Classify(err)
}

// IsNotFound reports whether err means the target does not exist.
func IsNotFound(err error) bool { return err != nil && ClassOf(err) == ClassNotFound }

// NoRetry marks an error as permanent for the channel that returned it.
// Execute stops after that attempt; unlike NotFound, escalation still tries
// the fallback channel.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
