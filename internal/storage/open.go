package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chatalert/pkg/logx"
)

// Store is the persistence API used by the app pipeline, the notifier and the
// housekeeping jobs.
type Store interface {
	AppendHighlight(ctx context.Context, h Highlight) error
	// MarkActivated records that the alert for id was clicked. Unknown ids are ignored.
	MarkActivated(ctx context.Context, id string, at time.Time) error
	// RecentHighlights returns up to limit entries, newest first.
	RecentHighlights(ctx context.Context, limit int) ([]Highlight, error)
	// PruneHighlights deletes entries older than before and reports how many went.
	PruneHighlights(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
