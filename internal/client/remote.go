package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// Remote talks JSON to the session HTTP API. Requests are not retried.
type Remote struct {
	baseURL string
	http    *http.Client
}

// NewRemote builds a client for baseURL, e.g. "http://localhost:8080/api".
func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote session client requires a base url")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid session api url %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Remote{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// StatusError is returned for responses the error taxonomy does not cover.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session api returned %d: %s", e.Status, e.Message)
}

func (r *Remote) CreateSession(ctx context.Context, draft model.Draft) (model.Session, error) {
	return r.do(ctx, http.MethodPost, "/sessions/", draft)
}

func (r *Remote) GetSession(ctx context.Context, id string) (model.Session, error) {
	return r.do(ctx, http.MethodGet, sessionPath(id, ""), nil)
}

func (r *Remote) AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error) {
	if turns == nil {
		turns = []model.TranscriptTurn{}
	}
	return r.do(ctx, http.MethodPatch, sessionPath(id, "/transcript"), turns)
}

func (r *Remote) AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error) {
	if events == nil {
		events = []model.FreezeEvent{}
	}
	return r.do(ctx, http.MethodPatch, sessionPath(id, "/freeze_events"), events)
}

func (r *Remote) UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error) {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return r.do(ctx, http.MethodPatch, sessionPath(id, "/latency_metrics"), metrics)
}

func (r *Remote) AttachAudio(ctx context.Context, id, audioURL string) (model.Session, error) {
	return r.do(ctx, http.MethodPut, sessionPath(id, "/audio"), map[string]string{"audio_url": audioURL})
}

func sessionPath(id, suffix string) string {
	return "/sessions/" + url.PathEscape(id) + suffix
}

func (r *Remote) do(ctx context.Context, method, path string, body interface{}) (model.Session, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return model.Session{}, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return model.Session{}, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return model.Session{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return model.Session{}, decodeError(resp)
	}

	var out model.Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Session{}, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	out.Normalize()
	return out, nil
}

// decodeError maps an error response back onto the model's error values.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return model.ErrSessionNotFound
	case http.StatusConflict:
		return model.ErrAudioAlreadySet
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return parseValidation(body.Error)
	default:
		return &StatusError{Status: resp.StatusCode, Message: body.Error}
	}
}

// parseValidation reverses ValidationError.Error ("invalid <field>: <reason>").
func parseValidation(msg string) *model.ValidationError {
	rest, ok := strings.CutPrefix(msg, "invalid ")
	if ok {
		if field, reason, found := strings.Cut(rest, ": "); found {
			return &model.ValidationError{Field: field, Reason: reason}
		}
	}
	return &model.ValidationError{Reason: msg}
}
