// Package runner assembles the detection pipeline: cache, color store,
// broadcast registry, workflows and HTTP surface. Servers and applications
// embedding the pipeline build one Runner and mount its Handler.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/internal/cache"
	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/internal/config"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/handlers"
	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/metrics"
	"github.com/tendant/simple-detection-pipeline/internal/storage"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/internal/workflows"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// Deps are the external services a Runner uses. Only Redis is required.
type Deps struct {
	// Redis backs the frame cache and the color store
	Redis redis.Cmdable

	// Detectors builds a backend per job. Nil selects an HTTP backend when
	// DetectorURL is configured and the passthrough backend otherwise.
	Detectors detector.Factory

	// DB enables the run ledger
	DB *sql.DB

	// Registry receives the pipeline collectors. Nil creates a private one.
	Registry *prometheus.Registry

	// Video and Muxer default to the ffmpeg binaries from the config
	Video workflows.VideoSource
	Muxer workflows.Muxer

	Logger *slog.Logger
}

// Runner provides a high-level API for running detection jobs
type Runner struct {
	cfg         config.Config
	cache       *cache.Cache
	colors      *colors.Store
	observers   *broadcast.Registry
	jobs        *workflows.WorkflowRunner
	reconstruct *workflows.ReconstructWorkflow
	ledger      *ledger.Ledger
	handler     *handlers.Handler
	logger      *slog.Logger
}

// New creates and wires a runner
func New(ctx context.Context, cfg config.Config, deps Deps) (*Runner, error) {
	if deps.Redis == nil {
		return nil, errors.New("runner: redis client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ff := video.New(cfg.FFmpegBin, cfg.FFprobeBin)
	var src workflows.VideoSource = ff
	if deps.Video != nil {
		src = deps.Video
	}
	var muxer workflows.Muxer = ff
	if deps.Muxer != nil {
		muxer = deps.Muxer
	}

	factory := deps.Detectors
	if factory == nil {
		if cfg.DetectorURL != "" {
			factory = detector.NewHTTPFactory(detector.DefaultHTTPConfig(cfg.DetectorURL), logger)
			logger.Info("Using HTTP detection backend", "url", cfg.DetectorURL)
		} else {
			factory = detector.PassthroughFactory
			logger.Warn("DETECTOR_URL not set, frames pass through unannotated")
		}
	}

	uploads, err := storage.NewFilesystemStorage(cfg.UploadDir, cfg.ModelDir, cfg.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload storage: %w", err)
	}

	r := &Runner{
		cfg:       cfg,
		cache:     cache.New(deps.Redis, cfg.CacheTTL),
		colors:    colors.NewStore(deps.Redis),
		observers: broadcast.NewRegistry(logger),
		logger:    logger,
	}
	collectors := metrics.NewCollectors(reg, r.observers)

	if cfg.ColorPresetsFile != "" {
		presets, err := colors.LoadPresets(cfg.ColorPresetsFile)
		if err != nil {
			return nil, err
		}
		if _, err := r.colors.Seed(ctx, presets, logger); err != nil {
			return nil, fmt.Errorf("failed to seed color presets: %w", err)
		}
	}

	var recorder workflows.Recorder
	var lookup handlers.RunLookup
	if deps.DB != nil {
		l, err := ledger.New(ctx, deps.DB, logger)
		if err != nil {
			return nil, err
		}
		r.ledger = l
		recorder = l
		lookup = l
		logger.Info("Run ledger enabled")
	}

	inference := workflows.NewInferenceWorkflow(workflows.InferenceDeps{
		Cache:     r.cache,
		Events:    r.observers,
		Colors:    r.colors,
		Video:     src,
		Detectors: factory,
		Recorder:  recorder,
		Metrics:   collectors,
		Logger:    logger,
		Config: workflows.InferenceConfig{
			JPEGQuality:   cfg.JPEGQuality,
			FrameMaxWidth: cfg.FrameMaxWidth,
		},
	})
	r.jobs = workflows.NewWorkflowRunner(inference, r.cache, logger)
	r.reconstruct = workflows.NewReconstructWorkflow(r.cache, muxer, cfg.TmpDir, cfg.DefaultFPS, collectors, logger)

	opts := handlers.Options{
		Jobs:          r.jobs,
		Status:        r.cache,
		Ledger:        lookup,
		Reconstructor: r.reconstruct,
		Uploads:       uploads,
		Observers:     r.observers,
		Colors:        r.colors,
		Gatherer:      reg,
		Logger:        logger,
		DefaultModel:  cfg.DefaultModel,
		BuiltinModels: cfg.BuiltinModels,
	}
	r.handler = handlers.New(opts)

	return r, nil
}

// Handler returns the HTTP API
func (r *Runner) Handler() http.Handler {
	return r.handler.Routes()
}

// Submit starts a job for a video already on local disk and returns its id
func (r *Runner) Submit(videoPath, model string) (string, error) {
	if model == "" {
		model = r.cfg.DefaultModel
	}
	spec, err := detector.ResolveModel(model, r.cfg.BuiltinModels)
	if err != nil {
		return "", err
	}

	jobID := strings.ReplaceAll(uuid.New().String(), "-", "")
	if _, err := r.jobs.RunAsync(workflows.JobRequest{
		JobID:     jobID,
		VideoPath: videoPath,
		Model:     model,
		Spec:      spec,
	}); err != nil {
		return "", err
	}
	return jobID, nil
}

// Observe registers obs for the live events of jobID. The returned func
// unregisters it.
func (r *Runner) Observe(jobID string, obs broadcast.Observer) func() {
	r.observers.Register(jobID, obs)
	return func() { r.observers.Unregister(jobID, obs) }
}

// Status returns the cached metadata of a job, or the ledger record once the
// cache has forgotten it
func (r *Runner) Status(ctx context.Context, jobID string) (pipeline.JobInfo, error) {
	info, err := r.cache.Meta(ctx, jobID)
	if errors.Is(err, cache.ErrNotFound) && r.ledger != nil {
		run, lerr := r.ledger.Get(ctx, jobID)
		if lerr == nil {
			return run.Info(), nil
		}
	}
	return info, err
}

// Reconstruct builds the output video of a finished job. The caller must
// Close the artifact.
func (r *Runner) Reconstruct(ctx context.Context, jobID string) (*workflows.Artifact, error) {
	return r.reconstruct.Execute(ctx, jobID)
}

// SetColors replaces the color overrides of a model
func (r *Runner) SetColors(ctx context.Context, model string, set pipeline.ColorMap) error {
	return r.colors.Set(ctx, colors.NormalizeModelKey(model), set)
}

// ActiveJobs returns the number of running jobs
func (r *Runner) ActiveJobs() int {
	return r.jobs.ActiveJobs()
}

// Shutdown cancels running jobs and waits for them to record their outcome
func (r *Runner) Shutdown(ctx context.Context) error {
	r.logger.Info("Stopping runner", "active_jobs", r.jobs.ActiveJobs())
	return r.jobs.Shutdown(ctx)
}
