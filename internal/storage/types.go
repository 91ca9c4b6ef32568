package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines log next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// TailSize bounds how many recent highlights the file driver keeps in memory.
	TailSize int
}

// Highlight is one message that raised an alert.
type Highlight struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Source      string    `json:"source"`
	Chat        string    `json:"chat,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	User        string    `json:"user"`
	Text        string    `json:"text"`
	Reason      string    `json:"reason"`
	Rule        string    `json:"rule,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}
