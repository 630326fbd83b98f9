package workflows

import (
	"errors"

	"github.com/tendant/simple-detection-pipeline/internal/cache"
)

// Fatal job errors. A job that hits one of these is marked failed.
var (
	// ErrInvalidRequest is returned when the job request is incomplete
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrProbeFailed is returned when the source video cannot be probed
	ErrProbeFailed = errors.New("cannot read video metadata")

	// ErrBackendInit is returned when the detection backend cannot be built
	ErrBackendInit = errors.New("model load failed")

	// ErrVideoOpen is returned when the source video cannot be opened
	ErrVideoOpen = errors.New("cannot open video")

	// ErrDecode is returned when the decoder fails mid-stream
	ErrDecode = errors.New("frame decode failed")

	// ErrCacheWrite is returned when the frame cache rejects a write
	ErrCacheWrite = errors.New("frame cache write failed")

	// ErrInterrupted is returned when the job's context ends before completion
	ErrInterrupted = errors.New("job interrupted")
)

// Runner errors
var (
	// ErrJobAlreadyRunning is returned when a job id already has a pipeline
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrRunnerClosed is returned after Shutdown
	ErrRunnerClosed = errors.New("runner is shut down")
)

// Retrieval errors
var (
	// ErrNotFound is returned when a job never existed or has expired
	ErrNotFound = cache.ErrNotFound

	// ErrJobRunning is returned when frames are still being appended
	ErrJobRunning = errors.New("job is still running")

	// ErrNoFrames is returned when a job exists but has no cached frames
	ErrNoFrames = errors.New("no frames cached for job (expired or failed)")

	// ErrEncodeFailed is returned when the encoder fails to produce a video
	ErrEncodeFailed = errors.New("video encode failed")
)
