// Package ledger keeps a Postgres record of finished inference jobs. The
// frame cache forgets a job once it expires or is downloaded; the ledger
// does not.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// ErrNotFound is returned when no run is recorded for a job id
var ErrNotFound = errors.New("run not recorded")

// Run is the terminal outcome of one job
type Run struct {
	JobID           string
	Model           string
	Status          pipeline.JobStatus
	ProcessedFrames int
	TotalFrames     int
	Error           string
	Metrics         *pipeline.Metrics
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Ledger records job outcomes
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a ledger and makes sure its table exists
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Ledger, error) {
	l := &Ledger{db: db, logger: logger}

	if err := l.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger table: %w", err)
	}

	return l, nil
}

func (l *Ledger) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS inference_runs (
			job_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			processed_frames INTEGER NOT NULL DEFAULT 0,
			total_frames INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			metrics JSONB,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			recorded_count INTEGER DEFAULT 1
		)
	`

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create inference_runs table: %w", err)
	}

	l.logger.Info("inference_runs table ready")
	return nil
}

// Record upserts a run. Recording the same job twice overwrites the outcome
// and bumps recorded_count, which stays 1 for a healthy job.
func (l *Ledger) Record(ctx context.Context, run Run) error {
	var metrics []byte
	if run.Metrics != nil {
		var err error
		if metrics, err = json.Marshal(run.Metrics); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}

	query := `
		INSERT INTO inference_runs (job_id, model, status, processed_frames, total_frames, error, metrics, started_at, finished_at, recorded_count)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, 1)
		ON CONFLICT (job_id) DO UPDATE
		SET model = EXCLUDED.model,
		    status = EXCLUDED.status,
		    processed_frames = EXCLUDED.processed_frames,
		    total_frames = EXCLUDED.total_frames,
		    error = EXCLUDED.error,
		    metrics = EXCLUDED.metrics,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    recorded_count = inference_runs.recorded_count + 1
	`

	_, err := l.db.ExecContext(ctx, query,
		run.JobID, run.Model, string(run.Status), run.ProcessedFrames, run.TotalFrames,
		run.Error, nullJSON(metrics), run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.JobID, err)
	}
	return nil
}

// Get returns the recorded run for a job id
func (l *Ledger) Get(ctx context.Context, jobID string) (Run, error) {
	query := `
		SELECT job_id, model, status, processed_frames, total_frames, COALESCE(error, ''), metrics, started_at, finished_at
		FROM inference_runs WHERE job_id = $1
	`

	var run Run
	var status string
	var metrics []byte
	var started, finished sql.NullTime
	err := l.db.QueryRowContext(ctx, query, jobID).Scan(
		&run.JobID, &run.Model, &status, &run.ProcessedFrames, &run.TotalFrames,
		&run.Error, &metrics, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to get run %s: %w", jobID, err)
	}

	run.Status = pipeline.JobStatus(status)
	run.StartedAt = started.Time
	run.FinishedAt = finished.Time
	if len(metrics) > 0 {
		var m pipeline.Metrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return run, fmt.Errorf("decode metrics for run %s: %w", jobID, err)
		}
		run.Metrics = &m
	}
	return run, nil
}

// Info converts a run to the status payload served for live jobs
func (r Run) Info() pipeline.JobInfo {
	info := pipeline.JobInfo{
		JobID:           r.JobID,
		Model:           r.Model,
		Status:          r.Status,
		ProcessedFrames: r.ProcessedFrames,
		TotalFrames:     r.TotalFrames,
		Error:           r.Error,
		Metrics:         r.Metrics,
	}
	if !r.StartedAt.IsZero() {
		info.StartTS = float64(r.StartedAt.UnixNano()) / 1e9
	}
	if !r.FinishedAt.IsZero() {
		info.EndTS = float64(r.FinishedAt.UnixNano()) / 1e9
	}
	return info
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
