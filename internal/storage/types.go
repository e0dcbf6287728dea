package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit entry kinds.
const (
	KindSend    = "send"
	KindOutcome = "outcome"
)

// AuditEntry records one send or the terminal outcome of a run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id"`
	Peer     string    `json:"peer"`
	ThreadID string    `json:"thread_id,omitempty"`
	Kind     string    `json:"kind"`
	Stage    string    `json:"stage,omitempty"`
	Via      string    `json:"via,omitempty"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
}
