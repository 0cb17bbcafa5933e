package session

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MetricAverageLatency is the latency_metrics key holding the mean
// assistant response latency in seconds.
const MetricAverageLatency = "average_latency"

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// TranscriptTurn is one finalized utterance. Timestamp and Latency are in
// seconds relative to the session start.
type TranscriptTurn struct {
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Latency   float64 `json:"latency"`
}

// FreezeEvent is an interval during which outgoing response frames were
// suppressed. Duration is supplied by the producer and never re-derived.
type FreezeEvent struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
}

// Session is the durable record of one voice conversation.
type Session struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	Transcript     []TranscriptTurn   `json:"transcript"`
	FreezeEvents   []FreezeEvent      `json:"freeze_events"`
	LatencyMetrics map[string]float64 `json:"latency_metrics"`
	AudioURL       *string            `json:"audio_url"`
}

// Draft carries the optional fields of a create/upsert request. Nil fields
// were not supplied by the caller; empty non-nil collections overwrite.
// Collections encode nil as null so the distinction survives the wire.
type Draft struct {
	ID             string             `json:"id,omitempty"`
	CreatedAt      *time.Time         `json:"created_at,omitempty"`
	Transcript     []TranscriptTurn   `json:"transcript"`
	FreezeEvents   []FreezeEvent      `json:"freeze_events"`
	LatencyMetrics map[string]float64 `json:"latency_metrics"`
	AudioURL       *string            `json:"audio_url,omitempty"`
}

// New returns an empty session with the given id and creation time.
func New(id string, createdAt time.Time) Session {
	return Session{
		ID:             id,
		CreatedAt:      createdAt.UTC(),
		Transcript:     []TranscriptTurn{},
		FreezeEvents:   []FreezeEvent{},
		LatencyMetrics: map[string]float64{},
	}
}

// Clone returns a deep copy so callers never share backing arrays with a
// stored record.
func (s Session) Clone() Session {
	out := s
	out.Transcript = append(make([]TranscriptTurn, 0, len(s.Transcript)), s.Transcript...)
	out.FreezeEvents = append(make([]FreezeEvent, 0, len(s.FreezeEvents)), s.FreezeEvents...)
	out.LatencyMetrics = make(map[string]float64, len(s.LatencyMetrics))
	for k, v := range s.LatencyMetrics {
		out.LatencyMetrics[k] = v
	}
	if s.AudioURL != nil {
		url := *s.AudioURL
		out.AudioURL = &url
	}
	return out
}

// Normalize fills nil collections so the JSON shape is always stable.
func (s *Session) Normalize() {
	if s.Transcript == nil {
		s.Transcript = []TranscriptTurn{}
	}
	if s.FreezeEvents == nil {
		s.FreezeEvents = []FreezeEvent{}
	}
	if s.LatencyMetrics == nil {
		s.LatencyMetrics = map[string]float64{}
	}
}

// ApplyDraft overwrites every field supplied in d. ID and CreatedAt are
// immutable and left untouched.
func (s *Session) ApplyDraft(d Draft) {
	if d.Transcript != nil {
		s.Transcript = append([]TranscriptTurn(nil), d.Transcript...)
	}
	if d.FreezeEvents != nil {
		s.FreezeEvents = append([]FreezeEvent(nil), d.FreezeEvents...)
	}
	if d.LatencyMetrics != nil {
		s.LatencyMetrics = make(map[string]float64, len(d.LatencyMetrics))
		for k, v := range d.LatencyMetrics {
			s.LatencyMetrics[k] = v
		}
	}
	if d.AudioURL != nil {
		url := *d.AudioURL
		s.AudioURL = &url
	}
	s.Normalize()
}

// AverageLatency returns the mean latency of all assistant turns in turns,
// and false when there are none.
func AverageLatency(turns []TranscriptTurn) (float64, bool) {
	var sum float64
	var n int
	for _, t := range turns {
		if t.Role != RoleAssistant {
			continue
		}
		sum += t.Latency
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// NormalizeID validates a session identifier and returns its canonical form.
func NormalizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", &ValidationError{Field: "id", Reason: "is required"}
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "id", Reason: "must be a UUID"}
	}
	return parsed.String(), nil
}

// Validate checks a single turn.
func (t TranscriptTurn) Validate() error {
	if !t.Role.Valid() {
		return &ValidationError{Field: "role", Reason: "must be user or assistant"}
	}
	if err := nonNegative("timestamp", t.Timestamp); err != nil {
		return err
	}
	return nonNegative("latency", t.Latency)
}

// Validate checks a single freeze interval.
func (e FreezeEvent) Validate() error {
	if err := nonNegative("start_time", e.StartTime); err != nil {
		return err
	}
	if err := finite("end_time", e.EndTime); err != nil {
		return err
	}
	if e.EndTime < e.StartTime {
		return &ValidationError{Field: "end_time", Reason: "must not precede start_time"}
	}
	return nonNegative("duration", e.Duration)
}

// ValidateTurns validates a whole batch; the first failure wins.
func ValidateTurns(turns []TranscriptTurn) error {
	for i, t := range turns {
		if err := t.Validate(); err != nil {
			return indexed("transcript", i, err)
		}
	}
	return nil
}

// ValidateFreezeEvents validates a whole batch; the first failure wins.
func ValidateFreezeEvents(events []FreezeEvent) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return indexed("freeze_events", i, err)
		}
	}
	return nil
}

// ValidateMetrics rejects blank names and non-finite values.
func ValidateMetrics(metrics map[string]float64) error {
	for name, v := range metrics {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "latency_metrics", Reason: "metric name must not be empty"}
		}
		if err := finite("latency_metrics."+name, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every supplied field of a draft.
func (d Draft) Validate() error {
	if err := ValidateTurns(d.Transcript); err != nil {
		return err
	}
	if err := ValidateFreezeEvents(d.FreezeEvents); err != nil {
		return err
	}
	if d.AudioURL != nil && strings.TrimSpace(*d.AudioURL) == "" {
		return &ValidationError{Field: "audio_url", Reason: "must not be empty"}
	}
	return ValidateMetrics(d.LatencyMetrics)
}

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if err := finite(field, v); err != nil {
		return err
	}
	if v < 0 {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return nil
}
