// Package storage keeps a bounded-retention log of terminal sessions so that
// status queries keep working after a session leaves memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"algo-trace-engine/internal/config"
)

var ErrNotFound = errors.New("session record not found")

// Store persists terminal sessions.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error)
	// Purge deletes sessions that finished before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open picks the driver from the DSN scheme: postgres:// and postgresql://
// use pgx, sqlite: or a *.db path use SQLite. An empty DSN returns a nil
// Store and no error.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch {
	case dsn == "":
		return nil, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn, cfg)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLite(strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//"))
	case strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database DSN scheme: %q", redact(dsn))
	}
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if len(dsn) > 8 {
		return dsn[:8] + "..."
	}
	return dsn
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
