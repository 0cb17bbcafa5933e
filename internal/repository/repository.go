package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// MutateFunc receives the stored record for an id, or nil when none exists,
// and returns the record to persist. Returning an error aborts the write.
type MutateFunc func(current *session.Session) (session.Session, error)

// Repository persists session records keyed by id.
type Repository interface {
	// Get returns session.ErrSessionNotFound when no record exists.
	Get(ctx context.Context, id string) (session.Session, error)
	// Mutate performs one atomic read-modify-write of the record for id.
	Mutate(ctx context.Context, id string, fn MutateFunc) (session.Session, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver         string
	SQLitePath     string
	PostgresDSN    string
	ConnectTimeout time.Duration
}

// Open builds the repository named by opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, opts.PostgresDSN, opts.ConnectTimeout)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

// pingWithBackoff retries ping until it succeeds or timeout elapses.
func pingWithBackoff(ctx context.Context, timeout time.Duration, ping func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return ping(attemptCtx)
	}, backoff.WithContext(policy, ctx))
}
