package client

import (
	"context"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// LocalStore is the subset of the session service the local client calls.
type LocalStore interface {
	CreateSession(ctx context.Context, draft model.Draft) (model.Session, bool, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error)
	AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error)
	UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error)
	AttachAudio(ctx context.Context, id, url string) (model.Session, error)
}

// Local writes straight into an in-process session store.
type Local struct {
	store LocalStore
}

func NewLocal(store LocalStore) *Local {
	return &Local{store: store}
}

func (l *Local) CreateSession(ctx context.Context, draft model.Draft) (model.Session, error) {
	s, _, err := l.store.CreateSession(ctx, draft)
	return s, err
}

func (l *Local) GetSession(ctx context.Context, id string) (model.Session, error) {
	return l.store.GetSession(ctx, id)
}

func (l *Local) AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error) {
	return l.store.AppendTranscript(ctx, id, turns)
}

func (l *Local) AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error) {
	return l.store.AppendFreezeEvents(ctx, id, events)
}

func (l *Local) UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error) {
	return l.store.UpdateLatencyMetrics(ctx, id, metrics)
}

func (l *Local) AttachAudio(ctx context.Context, id, url string) (model.Session, error) {
	return l.store.AttachAudio(ctx, id, url)
}
