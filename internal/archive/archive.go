// Package archive persists completed exchanges to PostgreSQL for later
// review. Archiving is optional: an empty DSN disables it and the pipeline
// runs with a nil sink.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicepin/voicepin/internal/pipeline"
)

// Compile-time interface check.
var _ pipeline.ExchangeSink = (*Store)(nil)

// schema creates the exchanges table on first connection. The table is
// append-only; the sweeper never touches it.
const schema = `
	CREATE TABLE IF NOT EXISTS exchanges (
		id          BIGSERIAL PRIMARY KEY,
		session_id  TEXT        NOT NULL,
		user_text   TEXT        NOT NULL,
		reply_text  TEXT        NOT NULL,
		confidence  REAL        NOT NULL,
		outcome     TEXT        NOT NULL,
		degraded    BOOLEAN     NOT NULL,
		had_image   BOOLEAN     NOT NULL,
		elapsed_ms  BIGINT      NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS exchanges_session_idx
		ON exchanges (session_id, created_at)`

// Entry is one archived exchange as read back from the table.
type Entry struct {
	ID         int64
	SessionID  string
	UserText   string
	ReplyText  string
	Confidence float64
	Outcome    string
	Degraded   bool
	HadImage   bool
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// Store is the PostgreSQL-backed exchange archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn, verifies the connection, and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Record implements [pipeline.ExchangeSink].
func (s *Store) Record(ctx context.Context, rec pipeline.ExchangeRecord) error {
	const q = `
		INSERT INTO exchanges
		    (session_id, user_text, reply_text, confidence, outcome, degraded, had_image, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.UserText,
		rec.ReplyText,
		rec.Confidence,
		string(rec.Outcome),
		rec.Degraded,
		rec.HadImage,
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("archive: record exchange: %w", err)
	}
	return nil
}

// Recent returns the latest exchanges for a session, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	const q = `
		SELECT id, session_id, user_text, reply_text, confidence, outcome,
		       degraded, had_image, elapsed_ms, created_at
		FROM   exchanges
		WHERE  session_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var elapsedMs int64
		err := row.Scan(&e.ID, &e.SessionID, &e.UserText, &e.ReplyText, &e.Confidence,
			&e.Outcome, &e.Degraded, &e.HadImage, &elapsedMs, &e.CreatedAt)
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: collect rows: %w", err)
	}
	return entries, nil
}

// Ping verifies the pool is healthy; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
