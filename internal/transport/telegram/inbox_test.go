package telegram

import (
	"fmt"
	"testing"

	"outreach/internal/remote"
)

func TestInboxTakeUnreadTracksOwnMessages(t *testing.T) {
	in := NewInbox(0)
	if in.TakeUnread("42") {
		t.Fatalf("unknown chat reported unread")
	}

	in.RecordPeer("42", "@Alice", remote.Message{ID: "1", SenderID: "42"})
	in.RecordOwn("42", "", remote.Message{ID: "2", SenderID: "7"})
	if in.TakeUnread("42") {
		t.Fatalf("peer message before our send must count as answered")
	}

	in.RecordPeer("42", "alice", remote.Message{ID: "3", SenderID: "42"})
	if !in.TakeUnread("42") {
		t.Fatalf("expected unread after new peer message")
	}
	if in.TakeUnread("42") {
		t.Fatalf("unread must be consumed by the first check")
	}
}

func TestInboxChatForIsCaseInsensitive(t *testing.T) {
	in := NewInbox(0)
	in.RecordPeer("42", "Alice", remote.Message{ID: "1"})
	for _, u := range []string{"alice", "@ALICE", " Alice "} {
		id, ok := in.ChatFor(u)
		if !ok || id != "42" {
			t.Fatalf("ChatFor(%q) = %q, %v", u, id, ok)
		}
	}
	if _, ok := in.ChatFor("bob"); ok {
		t.Fatalf("unexpected chat for bob")
	}
}

func TestInboxKeepsNewestWithinLimit(t *testing.T) {
	in := NewInbox(3)
	for i := 1; i <= 5; i++ {
		in.RecordPeer("1", "", remote.Message{ID: fmt.Sprint(i)})
	}
	msgs := in.Messages("1")
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].ID != "3" || msgs[2].ID != "5" {
		t.Fatalf("unexpected window: %+v", msgs)
	}

	msgs[0].ID = "changed"
	if in.Messages("1")[0].ID != "3" {
		t.Fatalf("Messages must return a copy")
	}
}
