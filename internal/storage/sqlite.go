package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as Unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    state TEXT NOT NULL,
    language TEXT NOT NULL,
    algorithm_id TEXT NOT NULL DEFAULT '',
    code_hash TEXT NOT NULL,
    backend TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    steps INTEGER NOT NULL DEFAULT 0,
    elapsed_ms REAL NOT NULL DEFAULT 0,
    peak_memory_bytes INTEGER NOT NULL DEFAULT 0,
    snapshot TEXT NOT NULL,
    request_ip TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions(finished_at);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

// SQLiteStore is a single-file store for deployments without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug().Err(err).Msg("sqlite WAL mode unavailable")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// SaveSession inserts or updates rec.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, state, language, algorithm_id, code_hash, backend, error,
			steps, elapsed_ms, peak_memory_bytes, snapshot, request_ip, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			steps = excluded.steps,
			elapsed_ms = excluded.elapsed_ms,
			peak_memory_bytes = excluded.peak_memory_bytes,
			snapshot = excluded.snapshot,
			finished_at = excluded.finished_at
	`,
		rec.ID, rec.Kind, rec.State, rec.Language, rec.AlgorithmID, rec.CodeHash, rec.Backend,
		truncateForDB(rec.Error, 65535),
		rec.Steps, rec.ElapsedMS, rec.PeakMemoryBytes,
		string(rec.Snapshot), rec.RequestIP,
		rec.CreatedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sqliteColumns = `id, kind, state, language, algorithm_id, code_hash, backend, error,
	steps, elapsed_ms, peak_memory_bytes, snapshot, request_ip, created_at, finished_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns sessions matching filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	query := `SELECT ` + sqliteColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.Language != "" {
		query += " AND language = ?"
		args = append(args, filter.Language)
	}
	if filter.Since != nil {
		query += " AND finished_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	query += " ORDER BY finished_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*SessionRecord, error) {
	var (
		rec                 SessionRecord
		snapshot            string
		created, finishedAt int64
	)
	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.State, &rec.Language, &rec.AlgorithmID, &rec.CodeHash, &rec.Backend,
		&rec.Error, &rec.Steps, &rec.ElapsedMS, &rec.PeakMemoryBytes,
		&snapshot, &rec.RequestIP, &created, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Snapshot = []byte(snapshot)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.FinishedAt = time.UnixMilli(finishedAt).UTC()
	return &rec, nil
}
