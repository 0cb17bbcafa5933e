package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

func TestWatchStreamsSnapshotThenUpdates(t *testing.T) {
	r, svc := setupRouter()
	srv := httptest.NewServer(r)
	defer srv.Close()

	created, _, err := svc.CreateSession(testContext(t), model.Draft{})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + created.ID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first outgoingMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, created.ID, first.SessionID)
	require.NotNil(t, first.Data)
	assert.Empty(t, first.Data.Transcript)

	_, err = svc.AppendTranscript(testContext(t), created.ID, []model.TranscriptTurn{
		{Role: model.RoleUser, Content: "hi", Timestamp: 1},
	})
	require.NoError(t, err)

	var second outgoingMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "update", second.Type)
	require.NotNil(t, second.Data)
	require.Len(t, second.Data.Transcript, 1)
	assert.Equal(t, "hi", second.Data.Transcript[0].Content)
}

func TestWatchUnknownSession(t *testing.T) {
	r, _ := setupRouter()
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + uuid.NewString() + "/watch"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown session")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsStreamsSessionFrames(t *testing.T) {
	r, svc := setupRouter()
	srv := httptest.NewServer(r)
	defer srv.Close()

	created, _, err := svc.CreateSession(testContext(t), model.Draft{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+created.ID+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: session\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var snap model.Session
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap))
	assert.Equal(t, created.ID, snap.ID)
}

// testContext returns a context cancelled when the test finishes
// (equivalent of testing.T.Context, which needs Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
