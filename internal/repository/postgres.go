package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// Postgres stores sessions in PostgreSQL, one row per session with JSONB
// collections.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, waiting up to connectTimeout for the server
// to accept connections, and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, connectTimeout time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires DATABASE_URL")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pingWithBackoff(ctx, connectTimeout, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id UUID PRIMARY KEY,
  created_at TIMESTAMPTZ NOT NULL,
  transcript JSONB NOT NULL DEFAULT '[]'::jsonb,
  freeze_events JSONB NOT NULL DEFAULT '[]'::jsonb,
  latency_metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
  audio_url TEXT,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func scanPostgres(row pgx.Row) (session.Session, error) {
	var (
		s    session.Session
		cols columns
	)
	if err := row.Scan(&s.ID, &s.CreatedAt, &cols.transcript, &cols.freezeEvents, &cols.latencyMetrics, &s.AudioURL); err != nil {
		return session.Session{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if err := decodeColumns(&s, cols); err != nil {
		return session.Session{}, err
	}
	return s, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (session.Session, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id::text, created_at, transcript, freeze_events, latency_metrics, audio_url
FROM sessions WHERE id = $1`, id)
	out, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("query session: %w", err)
	}
	return out, nil
}

func (p *Postgres) Mutate(ctx context.Context, id string, fn MutateFunc) (session.Session, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return session.Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current *session.Session
	existing, err := scanPostgres(tx.QueryRow(ctx, `
SELECT id::text, created_at, transcript, freeze_events, latency_metrics, audio_url
FROM sessions WHERE id = $1 FOR UPDATE`, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return session.Session{}, fmt.Errorf("query session: %w", err)
	default:
		current = &existing
	}

	next, err := fn(current)
	if err != nil {
		return session.Session{}, err
	}
	next.Normalize()

	cols, err := encodeColumns(next)
	if err != nil {
		return session.Session{}, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO sessions (id, created_at, transcript, freeze_events, latency_metrics, audio_url, updated_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, now())
ON CONFLICT (id) DO UPDATE SET
  transcript = EXCLUDED.transcript,
  freeze_events = EXCLUDED.freeze_events,
  latency_metrics = EXCLUDED.latency_metrics,
  audio_url = EXCLUDED.audio_url,
  updated_at = now()`,
		next.ID,
		next.CreatedAt.UTC(),
		string(cols.transcript),
		string(cols.freezeEvents),
		string(cols.latencyMetrics),
		next.AudioURL,
	); err != nil {
		return session.Session{}, fmt.Errorf("upsert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return session.Session{}, fmt.Errorf("commit session: %w", err)
	}
	return next, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
