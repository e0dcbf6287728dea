// Package remote defines the channels the core talks to.
//
// The primary channel is a full API surface (lookup, send, list). The fallback
// channel is narrower, slower, and consulted only after the primary channel is
// exhausted. Concrete implementations live under internal/transport.
package remote

import (
	"context"
	"errors"
	"time"
)

// Sentinel conditions a channel may wrap into its errors. The action
// classifier checks these before falling back to message matching.
var (
	ErrNotFound    = errors.New("remote: not found")
	ErrRateLimited = errors.New("remote: too many requests")
	ErrTransient   = errors.New("remote: transient server error")
)

type UserIdentity struct {
	ID       string
	Username string
	FullName string
}

type ThreadRef struct {
	ThreadID string
}

// Message is one entry of a thread. SenderID is compared against the
// primary channel's SelfID to tell inbound from outbound messages.
type Message struct {
	ID       string
	SenderID string
	Text     string
	SentAt   time.Time
}

// Thread links the local actor and one peer.
//
// ID is empty while the only successful send went through the fallback
// channel, which does not expose thread handles.
type Thread struct {
	ID           string
	PeerID       string
	PeerUsername string
}

// Primary is the full-featured, rate-limited channel.
type Primary interface {
	LookupUser(ctx context.Context, username string) (UserIdentity, error)
	SendMessage(ctx context.Context, userID, text string) (ThreadRef, error)
	// ListMessages returns the thread's messages oldest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	// SelfID identifies the local actor as a message sender.
	SelfID() string
}

// Fallback is the alternate execution channel.
//
// A false result with a nil error means the channel ran but the operation did
// not take effect (message not delivered, user not visible, no reply seen).
type Fallback interface {
	Send(ctx context.Context, username, text string) (bool, error)
	CheckExists(ctx context.Context, username string) (bool, error)
	CheckForReply(ctx context.Context, username string) (bool, error)
}

// WithRetryDelay attaches the wait a server asked for to a rate-limit error.
func WithRetryDelay(err error, d time.Duration) error {
	if err == nil || d <= 0 {
		return err
	}
	return retryDelayError{err: err, d: d}
}

// RetryDelay returns the server-requested wait carried by err, or 0.
// Errors may also expose it through a RetryDelay() time.Duration method.
func RetryDelay(err error) time.Duration {
	var h interface{ RetryDelay() time.Duration }
	if errors.As(err, &h) {
		return h.RetryDelay()
	}
	return 0
}

type retryDelayError struct {
	err error
	d   time.Duration
}

func (e retryDelayError) Error() string             { return e.err.Error() }
func (e retryDelayError) Unwrap() error             { return e.err }
func (e retryDelayError) RetryDelay() time.Duration { return e.d }
