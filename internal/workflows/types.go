package workflows

import (
	"context"
	"time"

	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/internal/cache"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// JobRequest describes one inference job
type JobRequest struct {
	JobID     string
	VideoPath string
	// Model is the model as requested; it keys color overrides
	Model string
	Spec  detector.ModelSpec
}

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request JobRequest
	RunID   string
}

// JobResult is the terminal outcome of an inference job
type JobResult struct {
	JobID           string
	Status          pipeline.JobStatus
	ProcessedFrames int
	TotalFrames     int
	Metrics         *pipeline.Metrics
	Error           error
	StartedAt       time.Time
	FinishedAt      time.Time
}

// FrameCache is the subset of the frame cache the workflows use
type FrameCache interface {
	InitJob(ctx context.Context, jobID, model string, startedAt time.Time) error
	SetVideoInfo(ctx context.Context, jobID string, info cache.VideoInfo) error
	AppendFrame(ctx context.Context, jobID string, data []byte) (int64, error)
	UpdateProgress(ctx context.Context, jobID string, processed, total int) error
	Complete(ctx context.Context, jobID string, processed, total int, startedAt, endedAt time.Time, m pipeline.Metrics) error
	Fail(ctx context.Context, jobID, message string) error
	Meta(ctx context.Context, jobID string) (pipeline.JobInfo, error)
	Frames(ctx context.Context, jobID string) ([][]byte, error)
	Delete(ctx context.Context, jobID string) error
}

// Publisher delivers events to a job's live observers
type Publisher interface {
	Publish(ctx context.Context, jobID string, event pipeline.Event) broadcast.Delivery
}

// ColorSource resolves override sets by normalized model key
type ColorSource interface {
	Get(ctx context.Context, modelKey string) (pipeline.ColorMap, error)
}

// VideoSource probes and decodes source videos
type VideoSource interface {
	Probe(ctx context.Context, path string) (video.Info, error)
	Open(ctx context.Context, path string, info video.Info) (video.Reader, error)
}

// Muxer encodes a directory of numbered frames into a video file
type Muxer interface {
	Mux(ctx context.Context, dir string, fps float64, outPath string) error
}

// Recorder keeps terminal job outcomes beyond the cache's lifetime
type Recorder interface {
	Record(ctx context.Context, run ledger.Run) error
}
