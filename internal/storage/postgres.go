package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	state             TEXT NOT NULL,
	language          TEXT NOT NULL,
	algorithm_id      TEXT NOT NULL DEFAULT '',
	code_hash         TEXT NOT NULL,
	backend           TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	steps             INTEGER NOT NULL DEFAULT 0,
	elapsed_ms        DOUBLE PRECISION NOT NULL DEFAULT 0,
	peak_memory_bytes BIGINT NOT NULL DEFAULT 0,
	snapshot          JSONB NOT NULL,
	request_ip        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions (finished_at);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions (state);`

// PostgresStore wraps a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and creates the schema.
func NewPostgres(ctx context.Context, dsn string, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(min(cfg.MaxOpenConns, 1000)) // #nosec G115 -- bounded above
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// SaveSession upserts rec. A session is written once, but a retried write
// after a lost acknowledgement must not fail.
func (s *PostgresStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (id, kind, state, language, algorithm_id, code_hash, backend,
			error, steps, elapsed_ms, peak_memory_bytes, snapshot, request_ip, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			steps = EXCLUDED.steps,
			elapsed_ms = EXCLUDED.elapsed_ms,
			peak_memory_bytes = EXCLUDED.peak_memory_bytes,
			snapshot = EXCLUDED.snapshot,
			finished_at = EXCLUDED.finished_at`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Kind, rec.State, rec.Language, rec.AlgorithmID, rec.CodeHash, rec.Backend,
		truncateForDB(rec.Error, 65535),
		rec.Steps, rec.ElapsedMS, rec.PeakMemoryBytes,
		string(rec.Snapshot), rec.RequestIP,
		rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const postgresColumns = `id, kind, state, language, algorithm_id, code_hash, backend, error,
	steps, elapsed_ms, peak_memory_bytes, snapshot::text, request_ip, created_at, finished_at`

// GetSession retrieves a single session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sessions WHERE id = $1`, id)
	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions queries sessions with optional filters, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	var since time.Time
	if filter.Since != nil {
		since = *filter.Since
	}
	query := `SELECT ` + postgresColumns + ` FROM sessions
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR state = $2)
		  AND ($3 = '' OR language = $3)
		  AND finished_at >= $4
		ORDER BY finished_at DESC
		LIMIT $5 OFFSET $6`

	rows, err := s.pool.Query(ctx, query,
		filter.Kind, filter.State, filter.Language, since, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPostgres(row pgx.Row) (*SessionRecord, error) {
	var (
		rec      SessionRecord
		snapshot string
	)
	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.State, &rec.Language, &rec.AlgorithmID, &rec.CodeHash, &rec.Backend,
		&rec.Error, &rec.Steps, &rec.ElapsedMS, &rec.PeakMemoryBytes,
		&snapshot, &rec.RequestIP, &rec.CreatedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Snapshot = []byte(snapshot)
	return &rec, nil
}
