package repository

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// columns is the serialized form shared by the SQL backends, which store
// each collection as one JSON document.
type columns struct {
	transcript     []byte
	freezeEvents   []byte
	latencyMetrics []byte
}

func encodeColumns(s session.Session) (columns, error) {
	s.Normalize()

	transcript, err := json.Marshal(s.Transcript)
	if err != nil {
		return columns{}, fmt.Errorf("encode transcript: %w", err)
	}
	events, err := json.Marshal(s.FreezeEvents)
	if err != nil {
		return columns{}, fmt.Errorf("encode freeze events: %w", err)
	}
	metrics, err := json.Marshal(s.LatencyMetrics)
	if err != nil {
		return columns{}, fmt.Errorf("encode latency metrics: %w", err)
	}
	return columns{transcript: transcript, freezeEvents: events, latencyMetrics: metrics}, nil
}

func decodeColumns(s *session.Session, c columns) error {
	if len(c.transcript) > 0 {
		if err := json.Unmarshal(c.transcript, &s.Transcript); err != nil {
			return fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(c.freezeEvents) > 0 {
		if err := json.Unmarshal(c.freezeEvents, &s.FreezeEvents); err != nil {
			return fmt.Errorf("decode freeze events: %w", err)
		}
	}
	if len(c.latencyMetrics) > 0 {
		if err := json.Unmarshal(c.latencyMetrics, &s.LatencyMetrics); err != nil {
			return fmt.Errorf("decode latency metrics: %w", err)
		}
	}
	s.Normalize()
	return nil
}
