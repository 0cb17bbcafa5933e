package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/freeze-detector/backend/internal/aggregator"
	"github.com/zhouzirui/freeze-detector/backend/internal/client"
	"github.com/zhouzirui/freeze-detector/backend/internal/handler"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
	sessionservice "github.com/zhouzirui/freeze-detector/backend/internal/service/session"
)

const scriptedID = "7d1c5a8e-4b2f-4c1e-9a55-0f6a3c2b9e11"

func TestParseScriptRejectsBadSteps(t *testing.T) {
	cases := map[string]string{
		"unknown type":   "steps:\n  - {at: 1, type: wave}\n",
		"bad role":       "steps:\n  - {at: 1, type: utterance, role: narrator}\n",
		"negative at":    "steps:\n  - {at: -1, type: freeze_start}\n",
		"bad session id": "session_id: nope\n",
		"unknown field":  "steps:\n  - {at: 1, type: audio, color: red}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseScript(strings.NewReader(raw))
			assert.Error(t, err)
		})
	}
}

func TestParseScriptSortsSteps(t *testing.T) {
	s, err := parseScript(strings.NewReader("steps:\n  - {at: 5, type: freeze_end}\n  - {at: 2, type: freeze_start}\n"))
	require.NoError(t, err)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, stepFreezeStart, s.Steps[0].Type)
}

func TestReplayConversationScript(t *testing.T) {
	script, err := loadScript("testdata/conversation.yaml")
	require.NoError(t, err)

	svc := sessionservice.NewService(repository.NewMemory())
	clock := newScriptClock(time.Now())
	agg := aggregator.New(context.Background(), client.NewLocal(svc),
		aggregator.WithClock(clock.Now), aggregator.WithSessionID(script.SessionID))

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), script, agg, clock, 0, "/recordings", &out))
	require.NoError(t, agg.Close(context.Background()))

	stored, err := svc.GetSession(context.Background(), scriptedID)
	require.NoError(t, err)
	assert.Len(t, stored.Transcript, 6)
	assert.InDelta(t, 4.0, stored.LatencyMetrics[model.MetricAverageLatency], 1e-9)
	assert.Equal(t, []model.FreezeEvent{{StartTime: 20, EndTime: 25, Duration: 5}}, stored.FreezeEvents)
	require.NotNil(t, stored.AudioURL)
	assert.Equal(t, "/recordings/"+scriptedID+".wav", *stored.AudioURL)
	assert.Contains(t, out.String(), "freeze ended duration=5.00s")
}

func TestRunCommandAgainstRemoteAPI(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LOG_LEVEL", "error")

	svc := sessionservice.NewService(repository.NewMemory())
	srv := httptest.NewServer(handler.NewRouter(svc, nil))
	defer srv.Close()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--script", "testdata/conversation.yaml", "--mode", "remote", "--api", srv.URL + "/api"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "session "+scriptedID)
	assert.Contains(t, out.String(), "failed=0 dropped=0")

	stored, err := svc.GetSession(context.Background(), scriptedID)
	require.NoError(t, err)
	assert.Len(t, stored.Transcript, 6)
	assert.Len(t, stored.FreezeEvents, 1)

	show := newRootCmd()
	var shown bytes.Buffer
	show.SetOut(&shown)
	show.SetArgs([]string{"show", scriptedID, "--mode", "remote", "--api", srv.URL + "/api"})
	require.NoError(t, show.Execute())
	assert.Contains(t, shown.String(), `"average_latency": 4`)
	assert.Contains(t, shown.String(), "assistant turns average latency: 4.000s")
}

func TestRecordingURL(t *testing.T) {
	assert.Equal(t, "/recordings/abc.wav", recordingURL("", "abc"))
	assert.Equal(t, "https://cdn.test/rec/abc.wav", recordingURL("https://cdn.test/rec/", "abc"))
}
