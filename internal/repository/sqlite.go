package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// SQLite stores sessions in an embedded SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "data/sessions.sqlite"
	}

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  transcript TEXT NOT NULL DEFAULT '[]',
  freeze_events TEXT NOT NULL DEFAULT '[]',
  latency_metrics TEXT NOT NULL DEFAULT '{}',
  audio_url TEXT,
  updated_at TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

const sqliteSelect = `
SELECT id, created_at, transcript, freeze_events, latency_metrics, audio_url
FROM sessions
WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (session.Session, error) {
	var (
		s         session.Session
		createdAt string
		cols      columns
		audioURL  sql.NullString
	)
	if err := row.Scan(&s.ID, &createdAt, &cols.transcript, &cols.freezeEvents, &cols.latencyMetrics, &audioURL); err != nil {
		return session.Session{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return session.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	s.CreatedAt = ts.UTC()
	if audioURL.Valid {
		url := audioURL.String
		s.AudioURL = &url
	}
	if err := decodeColumns(&s, cols); err != nil {
		return session.Session{}, err
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (session.Session, error) {
	out, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("query session: %w", err)
	}
	return out, nil
}

func (s *SQLite) Mutate(ctx context.Context, id string, fn MutateFunc) (session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current *session.Session
	existing, err := scanSQLite(tx.QueryRowContext(ctx, sqliteSelect, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
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

	var audioURL sql.NullString
	if next.AudioURL != nil {
		audioURL = sql.NullString{String: *next.AudioURL, Valid: true}
	}

	const stmt = `
INSERT INTO sessions (id, created_at, transcript, freeze_events, latency_metrics, audio_url, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  transcript=excluded.transcript,
  freeze_events=excluded.freeze_events,
  latency_metrics=excluded.latency_metrics,
  audio_url=excluded.audio_url,
  updated_at=excluded.updated_at;`
	if _, err := tx.ExecContext(ctx, stmt,
		next.ID,
		next.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(cols.transcript),
		string(cols.freezeEvents),
		string(cols.latencyMetrics),
		audioURL,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return session.Session{}, fmt.Errorf("upsert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return session.Session{}, fmt.Errorf("commit session: %w", err)
	}
	return next, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Close() error {
	return s.db.Close()
}
