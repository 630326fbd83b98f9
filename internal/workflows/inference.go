package workflows

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
	"github.com/tendant/simple-detection-pipeline/internal/cache"
	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/metrics"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// InferenceConfig tunes frame encoding
type InferenceConfig struct {
	// JPEGQuality for stored frames (1..100)
	JPEGQuality int
	// FrameMaxWidth downscales wider frames before inference; 0 disables
	FrameMaxWidth int
}

// InferenceDeps are the collaborators of the inference workflow.
// Recorder and Metrics are optional.
type InferenceDeps struct {
	Cache     FrameCache
	Events    Publisher
	Colors    ColorSource
	Video     VideoSource
	Detectors detector.Factory
	Recorder  Recorder
	Metrics   *metrics.Collectors
	Logger    *slog.Logger
	Config    InferenceConfig
}

// InferenceWorkflow drives one job from upload to a terminal status
type InferenceWorkflow struct {
	InferenceDeps
	now func() time.Time
}

// NewInferenceWorkflow creates a new inference workflow
func NewInferenceWorkflow(deps InferenceDeps) *InferenceWorkflow {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.JPEGQuality == 0 {
		deps.Config.JPEGQuality = 80
	}
	return &InferenceWorkflow{InferenceDeps: deps, now: time.Now}
}

// Name returns the workflow name
func (w *InferenceWorkflow) Name() string {
	return "InferenceWorkflow"
}

// jobState is the mutable state of one running job
type jobState struct {
	req       JobRequest
	logger    *slog.Logger
	startedAt time.Time
	stored    int
	total     int
	timings   metrics.StageTimings
}

// Execute runs the inference workflow. The returned error is non-nil
// exactly when the job ended failed.
func (w *InferenceWorkflow) Execute(wctx *WorkflowContext) (*JobResult, error) {
	ctx := wctx.Ctx
	req := wctx.Request
	st := &jobState{
		req:       req,
		logger:    w.Logger.With("job_id", req.JobID),
		startedAt: w.now(),
	}

	if req.JobID == "" || req.VideoPath == "" {
		err := fmt.Errorf("%w: job id and video path are required", ErrInvalidRequest)
		return &JobResult{JobID: req.JobID, Status: pipeline.StatusFailed, Error: err}, err
	}

	st.logger.Info("Starting inference workflow", "run_id", wctx.RunID, "model", req.Model, "spec", req.Spec.String())
	w.Metrics.JobStarted()

	// Step 1: Initialize job metadata
	if err := w.Cache.InitJob(ctx, req.JobID, req.Model, st.startedAt); err != nil {
		return w.fail(ctx, st, ErrCacheWrite, err)
	}

	// Step 2: Probe the source video
	info, err := w.Video.Probe(ctx, req.VideoPath)
	if err != nil {
		return w.fail(ctx, st, ErrProbeFailed, err)
	}
	st.total = info.TotalFrames
	st.logger.Info("Video probed", "total_frames", info.TotalFrames, "fps", info.FPS, "width", info.Width, "height", info.Height)

	if err := w.Cache.SetVideoInfo(ctx, req.JobID, cacheVideoInfo(info)); err != nil {
		return w.fail(ctx, st, ErrCacheWrite, err)
	}

	// Step 3: Resolve color overrides; absence or a bad entry is not fatal
	modelKey := colors.NormalizeModelKey(req.Model)
	overrides, err := w.Colors.Get(ctx, modelKey)
	if err != nil {
		st.logger.Warn("Failed to load custom colors, using defaults", "model_key", modelKey, "error", err)
		overrides = pipeline.ColorMap{}
	} else if len(overrides) == 0 {
		st.logger.Info("No saved colors, using default palette", "model_key", modelKey)
	} else {
		st.logger.Info("Loaded custom colors", "model_key", modelKey, "labels", len(overrides))
	}

	// Step 4: Build the detection backend
	det, err := w.Detectors(ctx, req.Spec, overrides)
	if err != nil {
		return w.fail(ctx, st, ErrBackendInit, err)
	}

	// Step 5: Open the video for sequential reads
	reader, err := w.Video.Open(ctx, req.VideoPath, info)
	if err != nil {
		return w.fail(ctx, st, ErrVideoOpen, err)
	}
	// Step 7: the reader is released on every exit path
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			st.logger.Warn("Failed to close video reader", "error", cerr)
		}
	}()

	// Step 6: Frame loop
	attempted, err := w.processFrames(ctx, st, reader, det)
	if err != nil {
		var sentinel error
		switch {
		case errors.Is(err, ErrCacheWrite):
			sentinel = ErrCacheWrite
		case errors.Is(err, ErrInterrupted):
			sentinel = ErrInterrupted
		case errors.Is(err, video.ErrOpen) && attempted == 0:
			sentinel = ErrVideoOpen
		default:
			sentinel = ErrDecode
		}
		return w.fail(ctx, st, sentinel, err)
	}

	// an unknown or understated container count becomes the attempted count
	if attempted > st.total {
		st.total = attempted
	}

	// Step 8: Finalize
	finishedAt := w.now()
	m := metrics.Compute(st.timings, st.stored, st.startedAt, finishedAt, req.Model)
	if err := w.Cache.Complete(ctx, req.JobID, st.stored, st.total, st.startedAt, finishedAt, m); err != nil {
		return w.fail(ctx, st, ErrCacheWrite, err)
	}
	w.Events.Publish(ctx, req.JobID, pipeline.DoneEvent(m))
	w.Metrics.JobFinished(string(pipeline.StatusDone))

	result := &JobResult{
		JobID:           req.JobID,
		Status:          pipeline.StatusDone,
		ProcessedFrames: st.stored,
		TotalFrames:     st.total,
		Metrics:         &m,
		StartedAt:       st.startedAt,
		FinishedAt:      finishedAt,
	}
	w.record(ctx, st, result)

	st.logger.Info("Inference workflow completed successfully",
		"processed_frames", st.stored,
		"total_frames", st.total,
		"failed_inferences", m.FailedInferences,
		"skipped_frames", m.SkippedFrames,
		"avg_fps", m.AvgFPS)
	return result, nil
}

// processFrames runs the per-frame loop and returns the number of frames
// attempted. Per-frame inference and encode failures are absorbed here; any
// returned error is fatal to the job.
func (w *InferenceWorkflow) processFrames(ctx context.Context, st *jobState, reader video.Reader, det detector.Detector) (int, error) {
	idx := 0
	for ; ; idx++ {
		if err := ctx.Err(); err != nil {
			return idx, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}

		t0 := w.now()
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return idx, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return idx, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
			}
			return idx, err
		}
		frame = w.downscale(frame)
		preprocess := w.now().Sub(t0)
		st.timings.AddPreprocess(preprocess)
		w.Metrics.ObserveStage(metrics.StagePreprocess, preprocess)

		t1 := w.now()
		out, err := det.Predict(ctx, frame)
		infer := w.now().Sub(t1)
		st.timings.AddInfer(infer)
		w.Metrics.ObserveStage(metrics.StageInfer, infer)
		if err != nil {
			if ctx.Err() != nil {
				return idx, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
			}
			st.logger.Warn("Inference failed, using raw frame", "frame", idx, "error", err)
			st.timings.FailedInferences++
			w.Metrics.InferenceFailure()
			out = frame
		}

		t2 := w.now()
		var buf bytes.Buffer
		err = imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(w.Config.JPEGQuality))
		postprocess := w.now().Sub(t2)
		st.timings.AddPostprocess(postprocess)
		w.Metrics.ObserveStage(metrics.StagePostprocess, postprocess)
		if err != nil {
			st.logger.Warn("Frame encode failed, skipping", "frame", idx, "error", err)
			st.timings.SkippedFrames++
			w.Metrics.FrameSkipped()
			continue
		}

		if st.total > 0 && idx+1 > st.total {
			st.total = idx + 1
		}

		data := buf.Bytes()
		if _, err := w.Cache.AppendFrame(ctx, st.req.JobID, data); err != nil {
			return idx, fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}
		st.stored++
		w.Metrics.FrameStored()

		if err := w.Cache.UpdateProgress(ctx, st.req.JobID, st.stored, st.total); err != nil {
			return idx, fmt.Errorf("%w: %v", ErrCacheWrite, err)
		}

		w.Events.Publish(ctx, st.req.JobID, pipeline.FrameEvent(idx, base64.StdEncoding.EncodeToString(data)))
		w.Events.Publish(ctx, st.req.JobID, pipeline.ProgressEvent(idx+1, st.total))

		if (idx+1)%100 == 0 {
			st.logger.Debug("Frames processed", "frame", idx+1, "total_frames", st.total)
		}

		runtime.Gosched()
	}
}

func (w *InferenceWorkflow) downscale(frame image.Image) image.Image {
	maxW := w.Config.FrameMaxWidth
	if maxW <= 0 || frame.Bounds().Dx() <= maxW {
		return frame
	}
	return imaging.Fit(frame, maxW, frame.Bounds().Dy(), imaging.Lanczos)
}

// fail moves the job to failed and emits the single error event. Cleanup
// writes ignore cancellation so an interrupted job still ends failed.
func (w *InferenceWorkflow) fail(ctx context.Context, st *jobState, sentinel, cause error) (*JobResult, error) {
	jobErr := sentinel
	if cause != nil && !errors.Is(cause, sentinel) {
		jobErr = fmt.Errorf("%w: %w", sentinel, cause)
	} else if cause != nil {
		jobErr = cause
	}
	st.logger.Error("Inference workflow failed", "error", jobErr, "processed_frames", st.stored)

	cleanupCtx := context.WithoutCancel(ctx)
	if err := w.Cache.Fail(cleanupCtx, st.req.JobID, jobErr.Error()); err != nil {
		st.logger.Error("Failed to record job failure in cache", "error", err)
	}
	w.Events.Publish(cleanupCtx, st.req.JobID, pipeline.ErrorEvent(jobErr.Error()))
	w.Metrics.JobFinished(string(pipeline.StatusFailed))

	result := &JobResult{
		JobID:           st.req.JobID,
		Status:          pipeline.StatusFailed,
		ProcessedFrames: st.stored,
		TotalFrames:     st.total,
		Error:           jobErr,
		StartedAt:       st.startedAt,
		FinishedAt:      w.now(),
	}
	w.record(cleanupCtx, st, result)
	return result, jobErr
}

func (w *InferenceWorkflow) record(ctx context.Context, st *jobState, res *JobResult) {
	if w.Recorder == nil {
		return
	}
	run := ledger.Run{
		JobID:           res.JobID,
		Model:           st.req.Model,
		Status:          res.Status,
		ProcessedFrames: res.ProcessedFrames,
		TotalFrames:     res.TotalFrames,
		Metrics:         res.Metrics,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
	if res.Error != nil {
		run.Error = res.Error.Error()
	}
	if err := w.Recorder.Record(ctx, run); err != nil {
		st.logger.Warn("Failed to record run in ledger", "error", err)
	}
}

func cacheVideoInfo(info video.Info) cache.VideoInfo {
	return cache.VideoInfo{
		TotalFrames: info.TotalFrames,
		FPS:         info.FPS,
		Width:       info.Width,
		Height:      info.Height,
	}
}
