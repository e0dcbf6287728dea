package telegram

import (
	"strings"
	"sync"

	"outreach/internal/remote"
)

// Inbox is the local view of private chats. The Bot API cannot list chat
// history, so every inbound update and every outbound send is recorded here
// and ListMessages reads from it.
type Inbox struct {
	mu     sync.Mutex
	limit  int
	chats  map[string]*chatLog
	byUser map[string]string // lowercased username -> chat id
}

type chatLog struct {
	msgs []remote.Message

	seq      uint64 // messages recorded so far
	peerSeq  uint64 // seq of the newest peer message
	readSeq  uint64 // peer messages up to here were reported or answered
	username string
}

// NewInbox keeps at most limit messages per chat (200 if limit <= 0).
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 200
	}
	return &Inbox{limit: limit, chats: map[string]*chatLog{}, byUser: map[string]string{}}
}

func (in *Inbox) chatLocked(chatID string) *chatLog {
	c := in.chats[chatID]
	if c == nil {
		c = &chatLog{}
		in.chats[chatID] = c
	}
	return c
}

// RecordPeer stores a message the peer sent us.
func (in *Inbox) RecordPeer(chatID, username string, m remote.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c := in.chatLocked(chatID)
	in.rememberLocked(c, chatID, username)
	c.seq++
	c.peerSeq = c.seq
	in.appendLocked(c, m)
}

// RecordOwn stores a message we sent. Peer messages before it count as
// answered for TakeUnread.
func (in *Inbox) RecordOwn(chatID, username string, m remote.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c := in.chatLocked(chatID)
	in.rememberLocked(c, chatID, username)
	c.seq++
	c.readSeq = c.peerSeq
	in.appendLocked(c, m)
}

func (in *Inbox) rememberLocked(c *chatLog, chatID, username string) {
	username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if username == "" {
		return
	}
	c.username = username
	in.byUser[username] = chatID
}

func (in *Inbox) appendLocked(c *chatLog, m remote.Message) {
	c.msgs = append(c.msgs, m)
	if over := len(c.msgs) - in.limit; over > 0 {
		c.msgs = append(c.msgs[:0], c.msgs[over:]...)
	}
}

// Messages returns the chat's messages oldest first.
func (in *Inbox) Messages(chatID string) []remote.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	c := in.chats[chatID]
	if c == nil {
		return nil
	}
	return append([]remote.Message(nil), c.msgs...)
}

// ChatFor resolves a username to the private chat seen for it.
func (in *Inbox) ChatFor(username string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	id, ok := in.byUser[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))]
	return id, ok
}

// TakeUnread reports whether the peer wrote since the last call or since our
// last outbound message, and marks it read.
func (in *Inbox) TakeUnread(chatID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	c := in.chats[chatID]
	if c == nil || c.peerSeq <= c.readSeq {
		return false
	}
	c.readSeq = c.peerSeq
	return true
}
