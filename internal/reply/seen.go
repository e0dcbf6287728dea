package reply

import (
	"sort"

	"outreach/internal/remote"
)

// SeenSet holds the message IDs of one thread that were already attributed to
// a reply. It only grows.
//
// A SeenSet belongs to the single orchestration that owns the thread and is
// not safe for concurrent use.
type SeenSet struct {
	ids    map[string]struct{}
	loaded string // thread whose persisted IDs were merged in
	settle bool
}

func NewSeenSet(ids ...string) *SeenSet {
	s := &SeenSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *SeenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	if id == "" || s.Has(id) {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *SeenSet) Len() int { return len(s.ids) }

// IDs returns the recorded IDs sorted.
func (s *SeenSet) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SettleBacklog makes the next primary listing absorb every unseen peer
// message that precedes our latest outbound message, without reporting it.
//
// Used when a thread is first attached (older history is not a reply) and
// after a reply was detected through the fallback channel, which cannot say
// which message it saw.
func (s *SeenSet) SettleBacklog() { s.settle = true }

// scan returns the newest unseen message not sent by self, or "".
// Absorbed backlog IDs are returned separately so the caller can persist them.
func (s *SeenSet) scan(msgs []remote.Message, self string) (hit string, absorbed []string) {
	if s.settle {
		s.settle = false
		lastOwn := -1
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].SenderID == self {
				lastOwn = i
				break
			}
		}
		for i := 0; i < lastOwn; i++ {
			if msgs[i].SenderID != self && s.Add(msgs[i].ID) {
				absorbed = append(absorbed, msgs[i].ID)
			}
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderID == self || m.ID == "" || s.Has(m.ID) {
			continue
		}
		return m.ID, absorbed
	}
	return "", absorbed
}
