package telegram

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/remote"
)

// mapError tags telebot errors with the remote sentinels. Request URLs carry
// the bot token, so transport failures lose theirs and any remaining text has
// the token masked.
func mapError(method, token string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrNotFound, redact(err, token))
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return remote.WithRetryDelay(
			fmt.Errorf("telegram %s: %w: %v", method, remote.ErrRateLimited, redact(err, token)),
			time.Duration(fe.RetryAfter)*time.Second,
		)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrRateLimited, redact(err, token))
		case te.Code == http.StatusNotFound:
			return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrNotFound, redact(err, token))
		case te.Code >= 500:
			return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrTransient, redact(err, token))
		}
	}
	if isTransport(err) {
		return transportError(method, err)
	}
	return fmt.Errorf("telegram %s: %w", method, redact(err, token))
}

func isTransport(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// transportError reports a failed HTTP round trip as transient, without the
// request URL.
func transportError(method string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("telegram %s: %w: %s: %v", method, remote.ErrTransient, strings.ToLower(ue.Op), ue.Err)
	}
	return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrTransient, err)
}

// redacted keeps err's chain but masks the token in its text.
type redacted struct {
	err   error
	token string
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return redacted{err: err, token: token}
}

func (r redacted) Error() string { return strings.ReplaceAll(r.err.Error(), r.token, "<token>") }
func (r redacted) Unwrap() error { return r.err }
