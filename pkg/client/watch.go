package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// ErrJobFailed is returned by Watch when the job ends with an error event
var ErrJobFailed = errors.New("job failed")

// Watch streams the events of a job to onEvent until the job finishes, ctx
// ends or onEvent returns an error. It returns nil after a done event and an
// error wrapping ErrJobFailed after an error event. Events published before
// the connection was made are not replayed.
func (c *Client) Watch(ctx context.Context, jobID string, onEvent func(pipeline.Event) error) error {
	// Convert HTTP endpoint to WebSocket endpoint
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws/jobs/" + url.PathEscape(jobID))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev pipeline.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		if err := onEvent(ev); err != nil {
			return err
		}

		switch ev.Type {
		case pipeline.EventDone:
			return nil
		case pipeline.EventError:
			return fmt.Errorf("%w: %s", ErrJobFailed, ev.Message)
		}
	}
}
