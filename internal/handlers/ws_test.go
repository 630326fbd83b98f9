package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

func dialJob(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) pipeline.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev pipeline.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestObserveReceivesEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn := dialJob(t, srv, "abc123")

	welcome := readEvent(t, conn)
	assert.Equal(t, pipeline.EventInfo, welcome.Type)
	assert.Equal(t, "connected", welcome.Message)
	assert.Equal(t, "abc123", welcome.JobID)

	require.Eventually(t, func() bool { return ts.observers.Observers("abc123") == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	ts.observers.Publish(ctx, "abc123", pipeline.FrameEvent(0, "AAAA"))
	ts.observers.Publish(ctx, "abc123", pipeline.ProgressEvent(1, 2))
	ts.observers.Publish(ctx, "other", pipeline.ProgressEvent(1, 1))

	frame := readEvent(t, conn)
	assert.Equal(t, pipeline.EventFrame, frame.Type)
	assert.Equal(t, 0, *frame.Frame)
	assert.Equal(t, "AAAA", frame.Data)

	progress := readEvent(t, conn)
	assert.Equal(t, pipeline.EventProgress, progress.Type)
	assert.Equal(t, 50.0, *progress.Pct)
}

func TestObserveClientActions(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn := dialJob(t, srv, "abc123")
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(pipeline.ClientMessage{Action: pipeline.ActionPing}))
	assert.Equal(t, pipeline.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteJSON(pipeline.ClientMessage{Action: pipeline.ActionDownload}))
	hint := readEvent(t, conn)
	assert.Equal(t, pipeline.EventInfo, hint.Type)
	assert.Contains(t, hint.Message, "/download/abc123")
}

func TestObserveDisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn := dialJob(t, srv, "abc123")
	readEvent(t, conn)
	require.Eventually(t, func() bool { return ts.observers.Observers("abc123") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ts.observers.Observers("abc123") == 0 }, 2*time.Second, 10*time.Millisecond)

	// publishing to a job nobody watches is a no-op
	d := ts.observers.Publish(context.Background(), "abc123", pipeline.ErrorEvent("boom"))
	assert.Zero(t, d.Delivered)
}
