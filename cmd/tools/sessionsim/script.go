package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/freeze-detector/backend/internal/aggregator"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

const (
	stepUtterance   = "utterance"
	stepFreezeStart = "freeze_start"
	stepFreezeEnd   = "freeze_end"
	stepAudio       = "audio"
)

// Script is a scripted conversation replayed through the aggregator.
type Script struct {
	SessionID string `yaml:"session_id"`
	Steps     []Step `yaml:"steps"`
}

// Step happens At seconds after the session starts.
type Step struct {
	At   float64 `yaml:"at"`
	Type string  `yaml:"type"`
	Role string  `yaml:"role,omitempty"`
	Text string  `yaml:"text,omitempty"`
	URL  string  `yaml:"url,omitempty"`
}

func loadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return parseScript(f)
}

func parseScript(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].At < s.Steps[j].At })
	return &s, nil
}

func (s *Script) validate() error {
	if s.SessionID != "" {
		if _, err := model.NormalizeID(s.SessionID); err != nil {
			return fmt.Errorf("script session_id: %w", err)
		}
	}
	for i, step := range s.Steps {
		if step.At < 0 {
			return fmt.Errorf("step %d: at must not be negative", i)
		}
		switch step.Type {
		case stepUtterance:
			if !model.Role(step.Role).Valid() {
				return fmt.Errorf("step %d: role must be user or assistant, got %q", i, step.Role)
			}
		case stepFreezeStart, stepFreezeEnd:
		case stepAudio:
		default:
			return fmt.Errorf("step %d: unknown type %q", i, step.Type)
		}
	}
	return nil
}

// scriptClock reports scripted time; it only moves when the replay advances it.
type scriptClock struct {
	mu    sync.Mutex
	start time.Time
	at    time.Duration
}

func newScriptClock(start time.Time) *scriptClock {
	return &scriptClock{start: start}
}

func (c *scriptClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(c.at)
}

func (c *scriptClock) set(d time.Duration) {
	c.mu.Lock()
	c.at = d
	c.mu.Unlock()
}

// replay feeds every step to agg. speed scales the real pause between steps;
// zero replays as fast as possible. Timestamps always follow the script.
func replay(ctx context.Context, s *Script, agg *aggregator.Aggregator, clock *scriptClock, speed float64, recordingsBase string, out io.Writer) error {
	var prev float64
	for _, step := range s.Steps {
		if speed > 0 && step.At > prev {
			wait := time.Duration((step.At - prev) / speed * float64(time.Second))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		prev = step.At
		clock.set(time.Duration(step.At * float64(time.Second)))

		switch step.Type {
		case stepUtterance:
			turn := agg.OnUtterance(model.Role(step.Role), step.Text)
			fmt.Fprintf(out, "[%7.2fs] %-9s latency=%.2fs %s\n", turn.Timestamp, turn.Role, turn.Latency, step.Text)
		case stepFreezeStart:
			agg.OnFreezeChanged(true)
			fmt.Fprintf(out, "[%7.2fs] freeze started\n", step.At)
		case stepFreezeEnd:
			if event, ok := agg.OnFreezeChanged(false); ok {
				fmt.Fprintf(out, "[%7.2fs] freeze ended duration=%.2fs\n", event.EndTime, event.Duration)
			}
		case stepAudio:
			url := step.URL
			if url == "" {
				url = recordingURL(recordingsBase, agg.SessionID())
			}
			agg.AttachAudio(url)
			fmt.Fprintf(out, "[%7.2fs] audio %s\n", step.At, url)
		}
	}
	return nil
}

func recordingURL(base, sessionID string) string {
	if base == "" {
		base = "/recordings"
	}
	return strings.TrimRight(base, "/") + "/" + sessionID + ".wav"
}
