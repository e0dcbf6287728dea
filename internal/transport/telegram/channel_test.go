package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/action"
	"outreach/internal/clock"
	"outreach/internal/escalation"
	"outreach/internal/quota"
	"outreach/internal/remote"
	logx "outreach/pkg/logx"
)

func newOfflineChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := New(Config{Token: "T", APIURL: "http://127.0.0.1:1", Offline: true}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, nil, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestChannelRecordsPrivateTextOnly(t *testing.T) {
	c := newOfflineChannel(t)
	at := time.Unix(1700000000, 0)

	c.onText(&tele.Message{
		ID:       5,
		Text:     "hey",
		Unixtime: at.Unix(),
		Chat:     &tele.Chat{ID: 42, Type: tele.ChatPrivate},
		Sender:   &tele.User{ID: 42, Username: "Alice"},
	})
	c.onText(&tele.Message{
		ID:     6,
		Text:   "group noise",
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatGroup},
		Sender: &tele.User{ID: 43, Username: "bob"},
	})
	c.onText(nil)

	msgs, err := c.ListMessages(context.Background(), "42")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "5" || msgs[0].SenderID != "42" || !msgs[0].SentAt.Equal(at) {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if _, ok := c.Inbox().ChatFor("bob"); ok {
		t.Fatalf("group sender must not be indexed")
	}
}

func TestChannelLookupPrefersInbox(t *testing.T) {
	c := newOfflineChannel(t)
	c.Inbox().RecordPeer("42", "alice", remote.Message{ID: "1", SenderID: "42"})

	u, err := c.LookupUser(context.Background(), "@alice")
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if u.ID != "42" || u.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", u)
	}
}

func TestChannelHonorsCancelledContext(t *testing.T) {
	c := newOfflineChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.SendMessage(ctx, "42", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("SendMessage err = %v", err)
	}
	if _, err := c.ListMessages(ctx, "42"); !errors.Is(err, context.Canceled) {
		t.Fatalf("ListMessages err = %v", err)
	}
}

func TestSendMessageBadUserIDFailsFast(t *testing.T) {
	c := newOfflineChannel(t)
	_, err := c.SendMessage(context.Background(), "not-a-number", "x")
	if !action.IsNoRetry(err) {
		t.Fatalf("err = %v, want a no-retry error", err)
	}
	if action.IsNotFound(err) {
		t.Fatalf("a bad local id must not read as a missing peer: %v", err)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{tele.ErrChatNotFound, remote.ErrNotFound},
		{&tele.Error{Code: 429, Description: "Too Many Requests"}, remote.ErrRateLimited},
		{&tele.Error{Code: 502, Description: "Bad Gateway"}, remote.ErrTransient},
		{&url.Error{Op: "Post", URL: "http://x/botT/getChat", Err: errors.New("dial tcp: connection refused")}, remote.ErrTransient},
	}
	for _, tc := range cases {
		if got := mapError("x", "T", tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("mapError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if got := mapError("x", "T0K", errors.New("boom at /botT0K/x")); strings.Contains(got.Error(), "T0K") {
		t.Fatalf("token not masked: %v", got)
	}
}

const digitToken = "123456:AAH404xk29"

func TestUnreachableAPIIsTransientAndHidesToken(t *testing.T) {
	c, err := New(Config{Token: digitToken, APIURL: "http://127.0.0.1:1", HTTPTimeout: 2 * time.Second, Offline: true}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.LookupUser(context.Background(), "ghost")
	if err == nil {
		t.Fatalf("expected a network error")
	}
	if got := action.Classify(err); got != action.ClassTransient {
		t.Fatalf("class = %s, want transient (err: %v)", got, err)
	}
	if strings.Contains(err.Error(), digitToken) {
		t.Fatalf("token leaked: %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 4, 20, 9, 0, 0, 0, time.UTC))
	ex := action.New(action.Config{Seed: 1}, quota.New(quota.DefaultConfig(), clk), clk, logx.Nop(), nil)
	esc := escalation.New(ex, logx.Nop(), nil)

	primaryCalls, fallbackCalls := 0, 0
	via, err := esc.Run(context.Background(), escalation.Escalation{
		Primary: &action.Action{Name: "lookup_user", Scope: quota.ScopeLookup, MaxAttempts: 2, Run: func(ctx context.Context) error {
			primaryCalls++
			_, err := c.LookupUser(ctx, "ghost")
			return err
		}},
		Fallback: func(context.Context) (bool, error) {
			fallbackCalls++
			return true, nil
		},
	})
	if err != nil || via != escalation.ViaFallback {
		t.Fatalf("via=%s err=%v", via, err)
	}
	if primaryCalls != 2 || fallbackCalls != 1 {
		t.Fatalf("primary calls=%d fallback calls=%d", primaryCalls, fallbackCalls)
	}

	// A bad local id also skips straight to the fallback.
	fallbackCalls = 0
	via, err = esc.Run(context.Background(), escalation.Escalation{
		Primary: &action.Action{Name: "send_message", Scope: quota.ScopeSend, Run: func(ctx context.Context) error {
			_, err := c.SendMessage(ctx, "@ghost", "hi")
			return err
		}},
		Fallback: func(context.Context) (bool, error) {
			fallbackCalls++
			return true, nil
		},
	})
	if err != nil || via != escalation.ViaFallback || fallbackCalls != 1 {
		t.Fatalf("send: via=%s err=%v fallback calls=%d", via, err, fallbackCalls)
	}
}

func TestFloodErrorCarriesRetryDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1200","parameters":{"retry_after":1200}}`))
	}))
	defer srv.Close()

	c, err := New(Config{Token: "T", APIURL: srv.URL, Offline: true}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.LookupUser(context.Background(), "alice")
	if !errors.Is(err, remote.ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if d := remote.RetryDelay(err); d != 20*time.Minute {
		t.Fatalf("RetryDelay = %s, want 20m", d)
	}
}
