package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// Workflow defines the interface for job workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*JobResult, error)

	// Name returns the workflow name
	Name() string
}

// StatusReader reads job metadata
type StatusReader interface {
	Meta(ctx context.Context, jobID string) (pipeline.JobInfo, error)
}

// WorkflowRunner runs one workflow instance per job id in its own goroutine.
// A second start for a job id that is still running is refused.
type WorkflowRunner struct {
	workflow Workflow
	status   StatusReader
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewWorkflowRunner creates a runner for the given workflow
func NewWorkflowRunner(workflow Workflow, status StatusReader, logger *slog.Logger) *WorkflowRunner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &WorkflowRunner{
		workflow: workflow,
		status:   status,
		logger:   logger,
		baseCtx:  ctx,
		stop:     stop,
		active:   make(map[string]context.CancelFunc),
	}
}

// Run executes a job synchronously
func (r *WorkflowRunner) Run(ctx context.Context, req JobRequest) (*JobResult, error) {
	jobCtx, done, err := r.claim(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	defer done()

	return r.workflow.Execute(&WorkflowContext{Ctx: jobCtx, Request: req, RunID: runID(req.JobID)})
}

// RunAsync starts a job in the background and returns its run id. The job
// outlives the caller's request; it stops only on completion, failure or
// Shutdown.
func (r *WorkflowRunner) RunAsync(req JobRequest) (string, error) {
	jobCtx, done, err := r.claim(r.baseCtx, req.JobID)
	if err != nil {
		return "", err
	}

	id := runID(req.JobID)
	go func() {
		defer done()
		res, err := r.workflow.Execute(&WorkflowContext{Ctx: jobCtx, Request: req, RunID: id})
		if err != nil {
			r.logger.Warn("job ended failed", "job_id", req.JobID, "run_id", id, "error", err)
			return
		}
		r.logger.Debug("job ended", "job_id", req.JobID, "run_id", id, "status", res.Status)
	}()

	return id, nil
}

// claim registers jobID as active and returns its context plus the release
// func
func (r *WorkflowRunner) claim(parent context.Context, jobID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRunnerClosed
	}
	if _, ok := r.active[jobID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
	}

	ctx, cancel := context.WithCancel(parent)
	// jobs started synchronously also stop on Shutdown
	stopOnShutdown := context.AfterFunc(r.baseCtx, cancel)

	r.active[jobID] = cancel
	r.wg.Add(1)

	release := func() {
		stopOnShutdown()
		cancel()
		r.mu.Lock()
		delete(r.active, jobID)
		r.mu.Unlock()
		r.wg.Done()
	}
	return ctx, release, nil
}

// IsRunning reports whether a pipeline is active for jobID
func (r *WorkflowRunner) IsRunning(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// ActiveJobs returns the number of running jobs
func (r *WorkflowRunner) ActiveJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// GetStatus retrieves the cached metadata of a job
func (r *WorkflowRunner) GetStatus(ctx context.Context, jobID string) (pipeline.JobInfo, error) {
	return r.status.Meta(ctx, jobID)
}

// Shutdown refuses new jobs, cancels running ones and waits for them to
// record their outcome or for ctx to end
func (r *WorkflowRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.active)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info("cancelling running jobs", "count", n)
	}
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func runID(jobID string) string {
	return fmt.Sprintf("%s-%d", jobID, time.Now().UnixNano())
}
