package broadcast

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrObserverFull is returned when an observer's outbound buffer is full.
	// The message is dropped for that observer only.
	ErrObserverFull = errors.New("observer buffer full")

	// ErrObserverClosed is returned after the observer has been closed
	ErrObserverClosed = errors.New("observer closed")
)

// QueueObserver buffers messages and hands them to a single writer
// goroutine, so a slow connection never stalls the publisher. Send never
// blocks: a full buffer drops the message. One slot beyond size is kept
// for SendFinal.
type QueueObserver struct {
	out   chan []byte
	size  int
	write func([]byte) error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewQueueObserver creates an observer whose messages are passed to write by
// Run. size is the outbound buffer length.
func NewQueueObserver(size int, write func([]byte) error) *QueueObserver {
	if size < 1 {
		size = 1
	}
	return &QueueObserver{
		out:   make(chan []byte, size+1),
		size:  size,
		write: write,
		done:  make(chan struct{}),
	}
}

// Send enqueues a message without blocking
func (q *QueueObserver) Send(ctx context.Context, msg []byte) error {
	return q.enqueue(ctx, msg, q.size)
}

// SendFinal enqueues the job's last event, using the reserved slot when the
// regular buffer is full
func (q *QueueObserver) SendFinal(ctx context.Context, msg []byte) error {
	return q.enqueue(ctx, msg, q.size+1)
}

func (q *QueueObserver) enqueue(ctx context.Context, msg []byte, limit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrObserverClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Run only drains, so the length checked here can only shrink
	if len(q.out) >= limit {
		return ErrObserverFull
	}
	select {
	case q.out <- msg:
		return nil
	default:
		return ErrObserverFull
	}
}

// Run writes queued messages until the observer is closed, the context ends,
// or a write fails. Messages still queued at Close are flushed first.
func (q *QueueObserver) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.out:
			if !ok {
				return nil
			}
			if err := q.write(msg); err != nil {
				q.Close()
				return err
			}
		}
	}
}

// Close stops accepting messages. Safe to call more than once.
func (q *QueueObserver) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.out)
}

// Done is closed when Run returns
func (q *QueueObserver) Done() <-chan struct{} {
	return q.done
}
