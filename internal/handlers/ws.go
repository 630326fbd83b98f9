package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

const writeWait = 10 * time.Second

// HandleObserve handles GET /ws/jobs/{id}. The socket receives a welcome
// message, then every event the job publishes from that point on.
func (h *Handler) HandleObserve(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	logger := h.logger.With("job_id", jobID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	write := func(msg []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	welcome, _ := json.Marshal(pipeline.InfoEvent(jobID, "connected"))
	if err := write(welcome); err != nil {
		logger.Debug("Failed to send welcome", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// every write after the welcome goes through the queue's single writer
	obs := broadcast.NewQueueObserver(h.opts.ObserverBuffer, write)
	go func() {
		if err := obs.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Debug("Observer writer stopped", "error", err)
		}
		// unblocks the read loop when the writer gives up
		conn.Close()
	}()

	h.opts.Observers.Register(jobID, obs)
	logger.Debug("Observer connected", "observers", h.opts.Observers.Observers(jobID))

	h.readLoop(ctx, conn, jobID, obs)

	h.opts.Observers.Unregister(jobID, obs)
	obs.Close()
	select {
	case <-obs.Done():
	case <-time.After(writeWait):
		cancel()
	}
	logger.Debug("Observer disconnected")
}

// readLoop answers client actions until the connection closes
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, jobID string, obs *broadcast.QueueObserver) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg pipeline.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		var reply pipeline.Event
		switch msg.Action {
		case pipeline.ActionDownload:
			reply = pipeline.InfoEvent(jobID, "Download requested; call /download/"+jobID+" to retrieve file")
		case pipeline.ActionPing:
			reply = pipeline.Event{Type: pipeline.EventPong, JobID: jobID}
		default:
			continue
		}

		b, _ := json.Marshal(reply)
		if err := obs.Send(ctx, b); err != nil {
			h.logger.Debug("Dropped reply", "job_id", jobID, "error", err)
		}
	}
}
