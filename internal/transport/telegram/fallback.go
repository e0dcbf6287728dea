package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"outreach/internal/remote"
)

const defaultAPIURL = "https://api.telegram.org"

// HTTPFallback is the fallback channel. It speaks the Bot API directly over
// net/http and reads replies from the shared Inbox.
type HTTPFallback struct {
	base  string
	token string
	http  *http.Client
	inbox *Inbox
}

var _ remote.Fallback = (*HTTPFallback)(nil)

func NewHTTPFallback(cfg Config, inbox *Inbox) *HTTPFallback {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = defaultAPIURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if inbox == nil {
		inbox = NewInbox(cfg.InboxLimit)
	}
	return &HTTPFallback{
		base:  base,
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		inbox: inbox,
	}
}

type apiChat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type apiMessage struct {
	MessageID int   `json:"message_id"`
	Date      int64 `json:"date"`
	From      *struct {
		ID int64 `json:"id"`
	} `json:"from"`
}

// APIError is a Bot API refusal.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %s (code=%d, retry after %ds)", e.Method, e.Description, e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %s (code=%d)", e.Method, e.Description, e.Code)
}

// RetryDelay is the wait Telegram asked for on a 429.
func (e *APIError) RetryDelay() time.Duration { return time.Duration(e.RetryAfter) * time.Second }

func (e *APIError) Is(target error) bool {
	switch target {
	case remote.ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	case remote.ErrTransient:
		return e.Code >= 500
	case remote.ErrNotFound:
		return e.Code == http.StatusNotFound || strings.Contains(strings.ToLower(e.Description), "not found")
	}
	return false
}

func (f *HTTPFallback) call(ctx context.Context, method string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := f.base + "/bot" + f.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(method, err)
	}
	defer resp.Body.Close()

	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{Method: method, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("telegram %s: %w: %v", method, remote.ErrTransient, err)
	}
	if resp.StatusCode/100 != 2 || !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: env.Description, RetryAfter: env.Parameters.RetryAfter}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// resolve maps a username to its private chat id. ok is false when Telegram
// does not know the user.
func (f *HTTPFallback) resolve(ctx context.Context, username string) (string, bool, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if id, ok := f.inbox.ChatFor(username); ok {
		return id, true, nil
	}
	var chat apiChat
	err := f.call(ctx, "getChat", map[string]any{"chat_id": "@" + username}, &chat)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.Is(remote.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if chat.Type != "private" {
		return "", false, nil
	}
	return strconv.FormatInt(chat.ID, 10), true, nil
}

func (f *HTTPFallback) CheckExists(ctx context.Context, username string) (bool, error) {
	_, ok, err := f.resolve(ctx, username)
	return ok, err
}

func (f *HTTPFallback) Send(ctx context.Context, username, text string) (bool, error) {
	chatID, ok, err := f.resolve(ctx, username)
	if err != nil || !ok {
		return false, err
	}
	var msg apiMessage
	if err := f.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text}, &msg); err != nil {
		return false, err
	}
	own := remote.Message{ID: strconv.Itoa(msg.MessageID), Text: text, SentAt: time.Unix(msg.Date, 0)}
	if msg.From != nil {
		own.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	f.inbox.RecordOwn(chatID, username, own)
	return true, nil
}

// CheckForReply reports whether the peer wrote since our last message or
// since the previous check.
func (f *HTTPFallback) CheckForReply(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	chatID, ok := f.inbox.ChatFor(username)
	if !ok {
		return false, nil
	}
	return f.inbox.TakeUnread(chatID), nil
}
