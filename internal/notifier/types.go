package notifier

import (
	"time"

	kit "chatalert/internal/transport"
)

// Config controls the forwarding pipeline.
type Config struct {
	Enabled         bool
	Target          kit.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Highlight is what gets forwarded.
type Highlight struct {
	User   string
	Chat   string
	Text   string
	Reason string
	Rule   string
	At     time.Time
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is the bus payload of notifier.* events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
