package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
	sessionservice "github.com/zhouzirui/freeze-detector/backend/internal/service/session"
)

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func newService(t *testing.T) *sessionservice.Service {
	t.Helper()
	return sessionservice.NewService(repository.NewMemory(), sessionservice.WithClock(func() time.Time { return fixedNow }))
}

func userTurn(content string, ts float64) model.TranscriptTurn {
	return model.TranscriptTurn{Role: model.RoleUser, Content: content, Timestamp: ts}
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc := newService(t)

	created, isNew, err := svc.CreateSession(context.Background(), model.Draft{})
	require.NoError(t, err)
	assert.True(t, isNew)
	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, fixedNow, created.CreatedAt)
	assert.NotNil(t, created.Transcript)
	assert.NotNil(t, created.FreezeEvents)
	assert.NotNil(t, created.LatencyMetrics)
	assert.Nil(t, created.AudioURL)
}

func TestCreateSessionWithExplicitIDIsUpsert(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, isNew, err := svc.CreateSession(ctx, model.Draft{
		ID:         id,
		Transcript: []model.TranscriptTurn{userTurn("first", 1)},
	})
	require.NoError(t, err)
	require.True(t, isNew)

	later := fixedNow.Add(time.Hour)
	_, isNew, err = svc.CreateSession(ctx, model.Draft{
		ID:         id,
		CreatedAt:  &later,
		Transcript: []model.TranscriptTurn{userTurn("second", 2)},
	})
	require.NoError(t, err)
	assert.False(t, isNew)

	got, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Transcript, 1)
	assert.Equal(t, "second", got.Transcript[0].Content)
	assert.Equal(t, fixedNow, got.CreatedAt, "created_at is immutable")
}

func TestCreateSessionRejectsInvalidDraft(t *testing.T) {
	svc := newService(t)

	_, _, err := svc.CreateSession(context.Background(), model.Draft{ID: "nope"})
	assert.True(t, model.IsValidation(err))

	_, _, err = svc.CreateSession(context.Background(), model.Draft{
		FreezeEvents: []model.FreezeEvent{{StartTime: 5, EndTime: 1}},
	})
	assert.True(t, model.IsValidation(err))
}

func TestCreateSessionRejectsEmptyAudioURL(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	empty := ""
	_, _, err := svc.CreateSession(ctx, model.Draft{AudioURL: &empty})
	require.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "audio_url")

	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)
	got, err := svc.AttachAudio(ctx, created.ID, "/recordings/a.wav")
	require.NoError(t, err)
	require.NotNil(t, got.AudioURL)
	assert.Equal(t, "/recordings/a.wav", *got.AudioURL)
}

func TestAppendTranscriptKeepsCallOrder(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	batches := [][]model.TranscriptTurn{
		{userTurn("a", 1)},
		{userTurn("b", 2), userTurn("c", 3), userTurn("d", 4)},
		{},
		{userTurn("e", 5), userTurn("f", 6)},
	}
	var want []string
	for _, batch := range batches {
		_, err := svc.AppendTranscript(ctx, created.ID, batch)
		require.NoError(t, err)
		for _, turn := range batch {
			want = append(want, turn.Content)
		}
	}

	got, err := svc.GetSession(ctx, created.ID)
	require.NoError(t, err)
	var contents []string
	for _, turn := range got.Transcript {
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, want, contents)
}

func TestAppendsDoNotComputeMetrics(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	got, err := svc.AppendTranscript(ctx, created.ID, []model.TranscriptTurn{
		{Role: model.RoleAssistant, Content: "hi", Timestamp: 2, Latency: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, got.LatencyMetrics)
}

func TestUnknownIDIsRejectedWithoutSideEffects(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := svc.GetSession(ctx, missing)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = svc.AppendTranscript(ctx, missing, []model.TranscriptTurn{userTurn("x", 1)})
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = svc.AppendFreezeEvents(ctx, missing, []model.FreezeEvent{{StartTime: 1, EndTime: 2, Duration: 1}})
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = svc.UpdateLatencyMetrics(ctx, missing, map[string]float64{model.MetricAverageLatency: 1})
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = svc.AttachAudio(ctx, missing, "/recordings/x.wav")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = svc.GetSession(ctx, missing)
	assert.ErrorIs(t, err, model.ErrSessionNotFound, "appends must not create records")
}

func TestAppendBatchIsAllOrNothing(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	_, err = svc.AppendFreezeEvents(ctx, created.ID, []model.FreezeEvent{
		{StartTime: 1, EndTime: 2, Duration: 1},
		{StartTime: 3, EndTime: 4, Duration: -1},
	})
	require.True(t, model.IsValidation(err))

	got, err := svc.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FreezeEvents)
}

func TestUpdateLatencyMetricsMergesByName(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{LatencyMetrics: map[string]float64{"p95": 3}})
	require.NoError(t, err)

	got, err := svc.UpdateLatencyMetrics(ctx, created.ID, map[string]float64{model.MetricAverageLatency: 4})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"p95": 3, model.MetricAverageLatency: 4}, got.LatencyMetrics)

	got, err = svc.UpdateLatencyMetrics(ctx, created.ID, map[string]float64{model.MetricAverageLatency: 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.LatencyMetrics[model.MetricAverageLatency])
}

func TestAttachAudioOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	url := fmt.Sprintf("/recordings/%s.wav", created.ID)
	got, err := svc.AttachAudio(ctx, created.ID, url)
	require.NoError(t, err)
	require.NotNil(t, got.AudioURL)
	assert.Equal(t, url, *got.AudioURL)

	_, err = svc.AttachAudio(ctx, created.ID, url)
	assert.NoError(t, err)

	_, err = svc.AttachAudio(ctx, created.ID, "/recordings/other.wav")
	assert.ErrorIs(t, err, model.ErrAudioAlreadySet)

	_, err = svc.AttachAudio(ctx, created.ID, "")
	assert.True(t, model.IsValidation(err))
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				turn := userTurn(fmt.Sprintf("w%d-%d", w, i), float64(i))
				if _, err := svc.AppendTranscript(ctx, created.ID, []model.TranscriptTurn{turn}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}

	// concurrent readers racing the writers
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := svc.GetSession(ctx, created.ID); err != nil {
					t.Errorf("get: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := svc.GetSession(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Transcript, writers*perWriter)

	seen := make(map[string]bool, len(got.Transcript))
	for _, turn := range got.Transcript {
		seen[turn.Content] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestConcurrentAppendsSQLite(t *testing.T) {
	repo, err := repository.OpenSQLite(context.Background(), t.TempDir()+"/sessions.sqlite")
	require.NoError(t, err)
	defer repo.Close()

	svc := sessionservice.NewService(repo)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, batch := range [][]model.TranscriptTurn{
		{userTurn("a1", 1), userTurn("a2", 2)},
		{userTurn("b1", 1), userTurn("b2", 2)},
	} {
		wg.Add(1)
		go func(batch []model.TranscriptTurn) {
			defer wg.Done()
			if _, err := svc.AppendTranscript(ctx, created.ID, batch); err != nil {
				t.Errorf("append: %v", err)
			}
		}(batch)
	}
	wg.Wait()

	got, err := svc.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, got.Transcript, 4)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	created, _, err := svc.CreateSession(ctx, model.Draft{})
	require.NoError(t, err)

	current, updates, cancel, err := svc.Subscribe(ctx, created.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, current.Transcript)

	_, err = svc.AppendTranscript(ctx, created.ID, []model.TranscriptTurn{userTurn("hello", 1)})
	require.NoError(t, err)

	select {
	case snap := <-updates:
		require.Len(t, snap.Transcript, 1)
		assert.Equal(t, "hello", snap.Transcript[0].Content)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	svc := newService(t)
	_, _, _, err := svc.Subscribe(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}
