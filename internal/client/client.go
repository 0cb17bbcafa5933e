// Package client forwards session updates to the session store, either
// in-process or over the HTTP API.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"

	DefaultTimeout = 5 * time.Second
)

// Client is the caller-side view of the session store.
type Client interface {
	CreateSession(ctx context.Context, draft model.Draft) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error)
	AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error)
	UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error)
	AttachAudio(ctx context.Context, id, url string) (model.Session, error)
}

// Config selects the client implementation.
type Config struct {
	Mode    string
	BaseURL string
	Timeout time.Duration
}

// New returns a local client around store or a remote client for
// cfg.BaseURL. store may be nil in remote mode.
func New(cfg Config, store LocalStore) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeLocal:
		if store == nil {
			return nil, fmt.Errorf("local session client requires a store")
		}
		return NewLocal(store), nil
	case ModeRemote:
		return NewRemote(cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported session client mode %q", cfg.Mode)
	}
}
