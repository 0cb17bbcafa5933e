// Package aggregator turns raw conversation pipeline events into transcript
// turns, freeze intervals and latency metrics, and forwards them to the
// session store without ever blocking the pipeline.
package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/zhouzirui/freeze-detector/backend/internal/client"
	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

const (
	DefaultQueueSize      = 64
	DefaultForwardTimeout = 5 * time.Second
	DefaultCreateRetry    = 10 * time.Second
)

// Stats counts forwards by outcome.
type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

type job struct {
	op    string
	retry bool
	run   func(ctx context.Context) error
}

// Aggregator is owned by one conversation and discarded when it ends.
type Aggregator struct {
	client         client.Client
	id             string
	now            func() time.Time
	queueSize      int
	forwardTimeout time.Duration
	createRetry    time.Duration

	ctx   context.Context
	start time.Time

	mu          sync.Mutex
	last        *model.TranscriptTurn
	latencies   []float64
	frozen      bool
	freezeStart time.Time
	metrics     map[string]float64

	qmu    sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}

	sent, failed, dropped atomic.Int64
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithSessionID uses id instead of a fresh UUID.
func WithSessionID(id string) Option {
	return func(a *Aggregator) { a.id = id }
}

// WithQueueSize bounds the number of pending forwards.
func WithQueueSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithForwardTimeout bounds each call to the session store.
func WithForwardTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.forwardTimeout = d
		}
	}
}

// WithCreateRetry bounds how long session creation is retried.
func WithCreateRetry(d time.Duration) Option {
	return func(a *Aggregator) { a.createRetry = d }
}

// New starts an aggregator and queues creation of its session. ctx bounds
// every forward; cancelling it makes pending forwards fail fast.
func New(ctx context.Context, c client.Client, opts ...Option) *Aggregator {
	a := &Aggregator{
		client:         c,
		id:             uuid.NewString(),
		now:            time.Now,
		queueSize:      DefaultQueueSize,
		forwardTimeout: DefaultForwardTimeout,
		createRetry:    DefaultCreateRetry,
		ctx:            ctx,
		metrics:        map[string]float64{},
	}
	for _, opt := range opts {
		opt(a)
	}

	a.start = a.now()
	a.queue = make(chan job, a.queueSize)
	a.done = make(chan struct{})
	go a.run()

	createdAt := a.start.UTC()
	draft := model.Draft{ID: a.id, CreatedAt: &createdAt}
	a.enqueue(job{op: "create_session", retry: true, run: func(ctx context.Context) error {
		_, err := a.client.CreateSession(ctx, draft)
		return err
	}})

	logging.Infow("session aggregator started", logging.SessionFields(a.id)...)
	return a
}

// SessionID returns the id every forward targets.
func (a *Aggregator) SessionID() string {
	return a.id
}

// StartTime is the wall clock all relative timestamps are measured from.
func (a *Aggregator) StartTime() time.Time {
	return a.start
}

// OnUtterance records a finalized utterance. An assistant turn directly
// following a user turn carries the gap between them as its latency; every
// other turn has zero latency. Assistant turns also refresh average_latency.
// An unknown role is logged and ignored, leaving state untouched.
func (a *Aggregator) OnUtterance(role model.Role, content string) model.TranscriptTurn {
	if !role.Valid() {
		logging.Warnw("ignoring utterance with unknown role", "session.id", a.id, "role", role)
		return model.TranscriptTurn{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	turn := model.TranscriptTurn{
		Role:      role,
		Content:   content,
		Timestamp: a.elapsed(),
	}
	var metrics map[string]float64
	if role == model.RoleAssistant {
		if a.last != nil && a.last.Role == model.RoleUser {
			turn.Latency = nonNegative(turn.Timestamp - a.last.Timestamp)
		}
		a.latencies = append(a.latencies, turn.Latency)
		a.metrics[model.MetricAverageLatency] = mean(a.latencies)
		metrics = map[string]float64{model.MetricAverageLatency: a.metrics[model.MetricAverageLatency]}
	}
	last := turn
	a.last = &last

	// enqueue under mu so forwards keep the order turns were stamped in
	turns := []model.TranscriptTurn{turn}
	a.enqueue(job{op: "append_transcript", run: func(ctx context.Context) error {
		_, err := a.client.AppendTranscript(ctx, a.id, turns)
		return err
	}})
	if metrics != nil {
		a.enqueue(job{op: "update_latency_metrics", run: func(ctx context.Context) error {
			_, err := a.client.UpdateLatencyMetrics(ctx, a.id, metrics)
			return err
		}})
	}
	return turn
}

// OnFreezeChanged tracks the freeze state. Ending a freeze emits one event;
// repeating the current state is a no-op and reports false.
func (a *Aggregator) OnFreezeChanged(frozen bool) (model.FreezeEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frozen == a.frozen {
		return model.FreezeEvent{}, false
	}
	a.frozen = frozen
	now := a.now()
	if frozen {
		a.freezeStart = now
		logging.Debugw("freeze started", logging.SessionFields(a.id)...)
		return model.FreezeEvent{}, false
	}

	startTime := nonNegative(a.freezeStart.Sub(a.start).Seconds())
	endTime := nonNegative(now.Sub(a.start).Seconds())
	event := model.FreezeEvent{
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime - startTime,
	}

	events := []model.FreezeEvent{event}
	a.enqueue(job{op: "append_freeze_events", run: func(ctx context.Context) error {
		_, err := a.client.AppendFreezeEvents(ctx, a.id, events)
		return err
	}})
	return event, true
}

// AttachAudio forwards the recording reference for this session.
func (a *Aggregator) AttachAudio(url string) {
	a.enqueue(job{op: "attach_audio", run: func(ctx context.Context) error {
		_, err := a.client.AttachAudio(ctx, a.id, url)
		return err
	}})
}

// Frozen reports whether a freeze is in progress.
func (a *Aggregator) Frozen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen
}

// Metrics returns a copy of the locally computed metrics.
func (a *Aggregator) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.metrics))
	for k, v := range a.metrics {
		out[k] = v
	}
	return out
}

// Stats returns forward counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Sent:    a.sent.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}

// Close stops accepting events and waits for queued forwards to drain or
// for ctx to end. It is safe to call more than once.
func (a *Aggregator) Close(ctx context.Context) error {
	a.qmu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.qmu.Unlock()

	select {
	case <-a.done:
		stats := a.Stats()
		logging.Infow("session aggregator closed",
			"session.id", a.id,
			"sent", stats.Sent,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) enqueue(j job) {
	a.qmu.Lock()
	defer a.qmu.Unlock()

	if a.closed {
		a.dropped.Add(1)
		logging.Warnw("dropping session forward; aggregator closed", "session.id", a.id, "op", j.op)
		return
	}
	select {
	case a.queue <- j:
	default:
		a.dropped.Add(1)
		logging.Warnw("dropping session forward; queue full", "session.id", a.id, "op", j.op)
	}
}

func (a *Aggregator) run() {
	defer close(a.done)
	for j := range a.queue {
		if err := a.forward(j); err != nil {
			a.failed.Add(1)
			logging.Warnw("session forward failed", "session.id", a.id, "op", j.op, "err", err)
			continue
		}
		a.sent.Add(1)
	}
}

func (a *Aggregator) forward(j job) error {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(a.ctx, a.forwardTimeout)
		defer cancel()
		return j.run(ctx)
	}
	if !j.retry || a.createRetry <= 0 {
		return attempt()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = a.createRetry
	return backoff.Retry(func() error {
		err := attempt()
		if err != nil && model.IsValidation(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, a.ctx))
}

func (a *Aggregator) elapsed() float64 {
	return nonNegative(a.now().Sub(a.start).Seconds())
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

