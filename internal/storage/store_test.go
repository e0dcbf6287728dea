package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"outreach/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestStoresRememberSeenAcrossReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "outreach.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for _, id := range []string{"m2", "m1", "m2"} {
				if err := st.MarkSeen(ctx, "t1", id); err != nil {
					t.Fatalf("MarkSeen: %v", err)
				}
			}
			if err := st.MarkSeen(ctx, "t2", "m9"); err != nil {
				t.Fatalf("MarkSeen: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.SeenIDs(ctx, "t1")
			if err != nil {
				t.Fatalf("SeenIDs: %v", err)
			}
			if !reflect.DeepEqual(got, []string{"m1", "m2"}) {
				t.Fatalf("SeenIDs(t1) = %v", got)
			}
			if got, _ := st.SeenIDs(ctx, "nope"); len(got) != 0 {
				t.Fatalf("SeenIDs(nope) = %v", got)
			}
		})
	}
}

func TestFileStoreAppendsAudit(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "outreach.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	at := time.Date(2025, 4, 20, 10, 0, 0, 0, time.UTC)
	entries := []AuditEntry{
		{At: at, RunID: "r1", Peer: "alice", Kind: KindSend, Stage: "initial", Via: "primary"},
		{At: at.Add(time.Minute), RunID: "r1", Peer: "alice", Kind: KindOutcome, State: "aborted", Error: "no reply"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(context.Background(), e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "outreach.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[1].Error != "no reply" || !got[0].At.Equal(at) {
		t.Fatalf("audit = %+v", got)
	}
}

func TestSQLiteAppendAudit(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.AppendAudit(context.Background(), AuditEntry{RunID: "r", Peer: "bob", Kind: KindSend}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	var n int
	if err := st.(*sqliteStore).db.QueryRow(`SELECT COUNT(*) FROM audit WHERE peer = 'bob'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}
