package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tendant/simple-detection-pipeline/internal/metrics"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// DefaultReconstructFPS is used when a job's metadata carries no frame rate
const DefaultReconstructFPS = 25.0

// Artifact is a reconstructed video in a private scratch directory.
// Close removes it.
type Artifact struct {
	Path   string
	JobID  string
	Frames int
	FPS    float64
	dir    string
}

// FileName is the download name for the artifact
func (a *Artifact) FileName() string {
	return a.JobID + ".mp4"
}

// Close removes the artifact and its scratch directory
func (a *Artifact) Close() error {
	if a == nil || a.dir == "" {
		return nil
	}
	return os.RemoveAll(a.dir)
}

// ReconstructWorkflow replays a job's cached frames into a video file
type ReconstructWorkflow struct {
	cache      FrameCache
	muxer      Muxer
	tmpDir     string
	defaultFPS float64
	metrics    *metrics.Collectors
	logger     *slog.Logger
}

// NewReconstructWorkflow creates a reconstruction workflow writing scratch
// data under tmpDir
func NewReconstructWorkflow(cache FrameCache, muxer Muxer, tmpDir string, defaultFPS float64, m *metrics.Collectors, logger *slog.Logger) *ReconstructWorkflow {
	if defaultFPS <= 0 {
		defaultFPS = DefaultReconstructFPS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconstructWorkflow{
		cache:      cache,
		muxer:      muxer,
		tmpDir:     tmpDir,
		defaultFPS: defaultFPS,
		metrics:    m,
		logger:     logger,
	}
}

// Name returns the workflow name
func (w *ReconstructWorkflow) Name() string {
	return "ReconstructWorkflow"
}

// Execute builds the video for jobID. On success the job's cache entries are
// deleted and the caller owns the artifact. Returns ErrNotFound,
// ErrJobRunning, ErrNoFrames or ErrEncodeFailed for the caller-visible
// failure modes.
func (w *ReconstructWorkflow) Execute(ctx context.Context, jobID string) (*Artifact, error) {
	logger := w.logger.With("job_id", jobID)
	logger.Info("Starting reconstruct workflow")

	// Step 1: metadata must exist
	meta, err := w.cache.Meta(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.metrics.Reconstruction("not_found")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job metadata: %w", err)
	}
	if meta.Status == pipeline.StatusRunning {
		logger.Info("Job still running, refusing reconstruction")
		w.metrics.Reconstruction("running")
		return nil, ErrJobRunning
	}

	// Step 2: at least one frame
	frames, err := w.cache.Frames(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	if len(frames) == 0 {
		logger.Info("No frames cached", "status", meta.Status)
		w.metrics.Reconstruction("no_frames")
		return nil, ErrNoFrames
	}

	// Step 3: frame rate
	fps := meta.FPS
	if fps <= 0 {
		fps = w.defaultFPS
	}

	// Step 4: materialize and mux
	if err := os.MkdirAll(w.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	dir, err := os.MkdirTemp(w.tmpDir, "dl_"+jobID+"_")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	artifact, err := w.encode(ctx, dir, jobID, frames, fps)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("Failed to remove scratch dir", "dir", dir, "error", rmErr)
		}
		if errors.Is(err, ErrEncodeFailed) {
			w.metrics.Reconstruction("encode_failed")
			logger.Error("Encoding failed", "error", err)
		}
		return nil, err
	}
	logger.Info("Video encoded", "frames", len(frames), "fps", fps, "path", artifact.Path)

	// Step 5: retrieval is one-shot
	if err := w.cache.Delete(ctx, jobID); err != nil {
		logger.Warn("Failed to delete job cache after reconstruction", "error", err)
	}

	w.metrics.Reconstruction("ok")
	logger.Info("Reconstruct workflow completed successfully")
	return artifact, nil
}

// encode writes frames into dir and muxes them. Frame files are removed
// whatever the outcome; only the video remains on success.
func (w *ReconstructWorkflow) encode(ctx context.Context, dir, jobID string, frames [][]byte, fps float64) (*Artifact, error) {
	defer removeFrames(dir, len(frames))

	for i, data := range frames {
		if err := os.WriteFile(filepath.Join(dir, video.FrameName(i)), data, 0o644); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", i, err)
		}
	}

	out := filepath.Join(dir, jobID+".mp4")
	if err := w.muxer.Mux(ctx, dir, fps, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		return nil, fmt.Errorf("%w: encoder produced no output", ErrEncodeFailed)
	}

	return &Artifact{Path: out, JobID: jobID, Frames: len(frames), FPS: fps, dir: dir}, nil
}

func removeFrames(dir string, n int) {
	for i := 0; i < n; i++ {
		_ = os.Remove(filepath.Join(dir, video.FrameName(i)))
	}
}
