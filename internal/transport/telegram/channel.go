// Package telegram implements the remote channels on top of the Telegram Bot API.
//
// Channel is the primary channel and drives the API through telebot.
// HTTPFallback is the fallback channel: raw Bot API calls over plain HTTP
// that keep working when the telebot client is rate limited or misbehaving.
// Both share one Inbox fed by the long-poll loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/action"
	"outreach/internal/remote"
	rtsup "outreach/internal/runtime/supervisor"
	logx "outreach/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (tests, local Bot API servers).
	APIURL      string
	PollTimeout time.Duration
	HTTPTimeout time.Duration
	InboxLimit  int
	// Offline skips the getMe call on construction.
	Offline bool
}

// Channel is the primary channel.
type Channel struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	inbox *Inbox

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ remote.Primary = (*Channel)(nil)

func New(cfg Config, inbox *Inbox, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = timeout + 10*time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Client:  &http.Client{Timeout: httpTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if inbox == nil {
		inbox = NewInbox(cfg.InboxLimit)
	}
	c := &Channel{cfg: cfg, log: log, bot: b, inbox: inbox}
	b.Handle(tele.OnText, func(tc tele.Context) error {
		c.onText(tc.Message())
		return nil
	})
	return c, nil
}

func (c *Channel) Inbox() *Inbox { return c.inbox }

// onText records private inbound messages. Group traffic is ignored.
func (c *Channel) onText(m *tele.Message) {
	if m == nil || m.Chat == nil || m.Sender == nil || m.Chat.Type != tele.ChatPrivate {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	c.inbox.RecordPeer(chatID, m.Sender.Username, remote.Message{
		ID:       strconv.Itoa(m.ID),
		SenderID: strconv.FormatInt(m.Sender.ID, 10),
		Text:     m.Text,
		SentAt:   m.Time(),
	})
	c.log.Debug("inbound message", logx.String("chat_id", chatID), logx.Int("msg_id", m.ID))
}

// Start runs the long-poll loop until ctx is cancelled or Stop is called.
func (c *Channel) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.channel"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart0("telebot.poll", func(ctx context.Context) {
		c.log.Info("polling started")
		c.bot.Start()
		c.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// getUpdates may still be parked in its long poll; do not hold shutdown for it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		c.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (c *Channel) SelfID() string {
	if c.bot.Me == nil {
		return ""
	}
	return strconv.FormatInt(c.bot.Me.ID, 10)
}

// LookupUser resolves a username. Users who already wrote to the bot are
// answered from the inbox; others go through getChat.
func (c *Channel) LookupUser(ctx context.Context, username string) (remote.UserIdentity, error) {
	if err := ctx.Err(); err != nil {
		return remote.UserIdentity{}, err
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if id, ok := c.inbox.ChatFor(username); ok {
		return remote.UserIdentity{ID: id, Username: username}, nil
	}
	chat, err := c.bot.ChatByUsername("@" + username)
	if err != nil {
		return remote.UserIdentity{}, mapError("getChat", c.cfg.Token, err)
	}
	if chat.Type != tele.ChatPrivate {
		return remote.UserIdentity{}, fmt.Errorf("%w: @%s is a %s chat", remote.ErrNotFound, username, chat.Type)
	}
	return remote.UserIdentity{
		ID:       strconv.FormatInt(chat.ID, 10),
		Username: chat.Username,
		FullName: strings.TrimSpace(chat.FirstName + " " + chat.LastName),
	}, nil
}

// SendMessage sends text to the private chat of userID. In private chats the
// chat id equals the user id, so it doubles as the thread id.
func (c *Channel) SendMessage(ctx context.Context, userID, text string) (remote.ThreadRef, error) {
	if err := ctx.Err(); err != nil {
		return remote.ThreadRef{}, err
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		// Not a missing peer: the username fallback still runs.
		return remote.ThreadRef{}, action.NoRetry(fmt.Errorf("telegram sendMessage: bad user id %q", userID))
	}
	msg, err := c.bot.Send(&tele.Chat{ID: id}, text)
	if err != nil {
		return remote.ThreadRef{}, mapError("sendMessage", c.cfg.Token, err)
	}
	own := remote.Message{SenderID: c.SelfID(), Text: text, SentAt: time.Now()}
	username := ""
	if msg != nil {
		own.ID = strconv.Itoa(msg.ID)
		own.SentAt = msg.Time()
		if msg.Chat != nil {
			username = msg.Chat.Username
		}
	}
	c.inbox.RecordOwn(userID, username, own)
	return remote.ThreadRef{ThreadID: userID}, nil
}

func (c *Channel) ListMessages(ctx context.Context, threadID string) ([]remote.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inbox.Messages(threadID), nil
}
