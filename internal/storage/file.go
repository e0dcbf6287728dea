package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"outreach/pkg/logx"
)

// fileStore keeps everything in append-only JSON Lines files.
//
// Files:
//   - <prefix>.audit.jsonl (audit entries)
//   - <prefix>.seen.jsonl  (seen message journal, replayed on open)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	seenFile  *os.File
	seen      map[string]map[string]struct{} // thread -> message IDs
}

type seenRecord struct {
	Thread string `json:"thread"`
	ID     string `json:"id"`
	At     int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	seenPath := prefix + ".seen.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	seen := map[string]map[string]struct{}{}
	if err := replaySeenJournal(seenPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen journal replay failed", logx.String("path", seenPath), logx.Err(err))
	}

	sf, err := os.OpenFile(seenPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:       log,
		auditFile: af,
		seenFile:  sf,
		seen:      seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.seenFile != nil {
		err2 = s.seenFile.Close()
		s.seenFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) MarkSeen(ctx context.Context, threadID, msgID string) error {
	_ = ctx
	threadID, msgID = strings.TrimSpace(threadID), strings.TrimSpace(msgID)
	if threadID == "" || msgID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenFile == nil {
		return errors.New("seen journal closed")
	}
	ids := s.seen[threadID]
	if ids == nil {
		ids = map[string]struct{}{}
		s.seen[threadID] = ids
	}
	if _, ok := ids[msgID]; ok {
		return nil
	}
	if err := json.NewEncoder(s.seenFile).Encode(seenRecord{Thread: threadID, ID: msgID, At: time.Now().UnixMilli()}); err != nil {
		return err
	}
	ids[msgID] = struct{}{}
	return nil
}

func (s *fileStore) SeenIDs(ctx context.Context, threadID string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.seen[strings.TrimSpace(threadID)]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func replaySeenJournal(path string, out map[string]map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Thread == "" || r.ID == "" {
			continue
		}
		ids := out[r.Thread]
		if ids == nil {
			ids = map[string]struct{}{}
			out[r.Thread] = ids
		}
		ids[r.ID] = struct{}{}
	}
	return sc.Err()
}
