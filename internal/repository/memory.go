package repository

import (
	"context"
	"sync"

	"github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// Memory keeps sessions in process memory. Records are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]session.Session)}
}

func (m *Memory) Get(_ context.Context, id string) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) Mutate(_ context.Context, id string, fn MutateFunc) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *session.Session
	if s, ok := m.sessions[id]; ok {
		c := s.Clone()
		current = &c
	}

	next, err := fn(current)
	if err != nil {
		return session.Session{}, err
	}
	next.Normalize()
	m.sessions[id] = next.Clone()
	return next, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Close() error { return nil }
