// Package broadcast fans job events out to the live observers of each job.
//
// Delivery is best-effort: an observer that fails a send is counted and
// skipped, the publisher never sees the error, and nothing is replayed to
// observers that register late.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// Observer receives serialized events for one job. Identity is the value
// itself, so implementations are normally pointers.
type Observer interface {
	Send(ctx context.Context, msg []byte) error
}

// FinalObserver is an Observer with room held back for the job's last
// event, so a backlog of frames cannot crowd out done or error.
type FinalObserver interface {
	Observer
	SendFinal(ctx context.Context, msg []byte) error
}

// Delivery is the outcome of one Publish
type Delivery struct {
	Delivered int
	Failed    int
}

// Stats is a snapshot of registry counters
type Stats struct {
	Jobs      int
	Observers int
	Published uint64
	Delivered uint64
	Failed    uint64
}

// Registry maps job ids to their observer sets
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]map[Observer]struct{}

	logger *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:   make(map[string]map[Observer]struct{}),
		logger: logger,
	}
}

// Register adds an observer to a job. Registering twice is a no-op.
func (r *Registry) Register(jobID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.jobs[jobID]
	if !ok {
		set = make(map[Observer]struct{})
		r.jobs[jobID] = set
	}
	set[obs] = struct{}{}
}

// Unregister removes an observer. Unknown jobs or observers are ignored.
// A job whose set becomes empty is dropped from the registry.
func (r *Registry) Unregister(jobID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.jobs[jobID]
	if !ok {
		return
	}
	delete(set, obs)
	if len(set) == 0 {
		delete(r.jobs, jobID)
	}
}

// Observers returns how many observers a job currently has
func (r *Registry) Observers(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs[jobID])
}

// Publish serializes the event once and sends it to every observer of the
// job. The observer set is snapshotted first; sends happen outside the lock
// so observers may register or unregister concurrently. Terminal events go
// through SendFinal on observers that support it.
func (r *Registry) Publish(ctx context.Context, jobID string, event pipeline.Event) Delivery {
	msg, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", "job_id", jobID, "type", event.Type, "error", err)
		return Delivery{}
	}
	final := event.Type == pipeline.EventDone || event.Type == pipeline.EventError
	return r.publish(ctx, jobID, msg, final)
}

// PublishRaw sends an already serialized message
func (r *Registry) PublishRaw(ctx context.Context, jobID string, msg []byte) Delivery {
	return r.publish(ctx, jobID, msg, false)
}

func (r *Registry) publish(ctx context.Context, jobID string, msg []byte, final bool) Delivery {
	r.published.Add(1)

	r.mu.RLock()
	set := r.jobs[jobID]
	targets := make([]Observer, 0, len(set))
	for obs := range set {
		targets = append(targets, obs)
	}
	r.mu.RUnlock()

	var d Delivery
	for _, obs := range targets {
		send := obs.Send
		if fo, ok := obs.(FinalObserver); ok && final {
			send = fo.SendFinal
		}
		if err := send(ctx, msg); err != nil {
			d.Failed++
			r.logger.Debug("observer send failed", "job_id", jobID, "error", err)
			continue
		}
		d.Delivered++
	}

	r.delivered.Add(uint64(d.Delivered))
	r.failed.Add(uint64(d.Failed))
	return d
}

// Stats returns a snapshot of the registry counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	jobs := len(r.jobs)
	observers := 0
	for _, set := range r.jobs {
		observers += len(set)
	}
	r.mu.RUnlock()

	return Stats{
		Jobs:      jobs,
		Observers: observers,
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
	}
}
