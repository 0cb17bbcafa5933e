package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
)

// Service is the session store: it owns create/read and the incremental
// append operations. It never derives metrics itself; callers supply
// already-computed latency values.
type Service struct {
	repo   repository.Repository
	locks  *keyedMutex
	broker *broker
	now    func() time.Time
	newID  func() string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService wires a store on top of repo.
func NewService(repo repository.Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locks:  newKeyedMutex(),
		broker: newBroker(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend names the repository in use.
func (s *Service) Backend() string {
	return s.repo.Name()
}

// Ping checks the repository.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// CreateSession stores a new session, or upserts when draft.ID names an
// existing one. The bool result reports whether a record was created.
func (s *Service) CreateSession(ctx context.Context, draft model.Draft) (model.Session, bool, error) {
	if err := draft.Validate(); err != nil {
		return model.Session{}, false, err
	}

	id := s.newID()
	if draft.ID != "" {
		normalized, err := model.NormalizeID(draft.ID)
		if err != nil {
			return model.Session{}, false, err
		}
		id = normalized
	}

	created := false
	out, err := s.mutate(ctx, id, func(current *model.Session) (model.Session, error) {
		if current != nil {
			next := current.Clone()
			next.ApplyDraft(draft)
			return next, nil
		}

		createdAt := s.now()
		if draft.CreatedAt != nil {
			createdAt = *draft.CreatedAt
		}
		next := model.New(id, createdAt)
		next.ApplyDraft(draft)
		created = true
		return next, nil
	})
	if err != nil {
		return model.Session{}, false, err
	}
	return out, created, nil
}

// GetSession returns model.ErrSessionNotFound for unknown ids.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	normalized, err := model.NormalizeID(id)
	if err != nil {
		return model.Session{}, err
	}
	return s.repo.Get(ctx, normalized)
}

// AppendTranscript appends turns, in order, to the end of the transcript.
// Either the whole batch is appended or none of it.
func (s *Service) AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error) {
	if err := model.ValidateTurns(turns); err != nil {
		return model.Session{}, err
	}
	return s.update(ctx, id, func(next *model.Session) error {
		next.Transcript = append(next.Transcript, turns...)
		return nil
	})
}

// AppendFreezeEvents appends events, in order, to the freeze log.
func (s *Service) AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error) {
	if err := model.ValidateFreezeEvents(events); err != nil {
		return model.Session{}, err
	}
	return s.update(ctx, id, func(next *model.Session) error {
		next.FreezeEvents = append(next.FreezeEvents, events...)
		return nil
	})
}

// UpdateLatencyMetrics replaces the value of every supplied metric name.
// Metrics not named in the request are kept.
func (s *Service) UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error) {
	if err := model.ValidateMetrics(metrics); err != nil {
		return model.Session{}, err
	}
	return s.update(ctx, id, func(next *model.Session) error {
		for name, v := range metrics {
			next.LatencyMetrics[name] = v
		}
		return nil
	})
}

// AttachAudio records the recording reference. It may be set once;
// repeating the same url is a no-op and a different url is rejected.
func (s *Service) AttachAudio(ctx context.Context, id, url string) (model.Session, error) {
	if url == "" {
		return model.Session{}, &model.ValidationError{Field: "audio_url", Reason: "is required"}
	}
	return s.update(ctx, id, func(next *model.Session) error {
		if next.AudioURL != nil {
			if *next.AudioURL == url {
				return nil
			}
			return model.ErrAudioAlreadySet
		}
		next.AudioURL = &url
		return nil
	})
}

// Subscribe streams a snapshot of the session after every successful
// mutation until cancel is called. Slow readers only see the latest one.
func (s *Service) Subscribe(ctx context.Context, id string) (model.Session, <-chan model.Session, func(), error) {
	normalized, err := model.NormalizeID(id)
	if err != nil {
		return model.Session{}, nil, nil, err
	}
	updates, cancel := s.broker.subscribe(normalized)

	current, err := s.repo.Get(ctx, normalized)
	if err != nil {
		cancel()
		return model.Session{}, nil, nil, err
	}
	return current, updates, cancel, nil
}

func (s *Service) update(ctx context.Context, id string, apply func(next *model.Session) error) (model.Session, error) {
	normalized, err := model.NormalizeID(id)
	if err != nil {
		return model.Session{}, err
	}
	return s.mutate(ctx, normalized, func(current *model.Session) (model.Session, error) {
		if current == nil {
			return model.Session{}, model.ErrSessionNotFound
		}
		next := current.Clone()
		if err := apply(&next); err != nil {
			return model.Session{}, err
		}
		return next, nil
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn repository.MutateFunc) (model.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	out, err := s.repo.Mutate(ctx, id, fn)
	if err != nil {
		return model.Session{}, err
	}
	s.broker.publish(out)
	return out, nil
}
