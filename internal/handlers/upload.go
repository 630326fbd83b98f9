package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/storage"
	"github.com/tendant/simple-detection-pipeline/internal/workflows"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// Multipart field names of POST /upload
const (
	FieldFile        = "file"
	FieldModel       = "model"
	FieldCustomModel = "custom_model"
)

// maxFieldSize bounds plain form values such as the model name
const maxFieldSize = 4096

// HandleUpload handles POST /upload: stores the video (and optional custom
// weights), then starts the job and returns immediately
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err), "")
		return
	}

	jobID := newJobID()
	logger := h.logger.With("job_id", jobID)
	ctx := r.Context()

	var (
		videoPath string
		modelPath string
		model     string
	)
	cleanup := func() {
		for _, p := range []string{videoPath, modelPath} {
			if p == "" {
				continue
			}
			if err := h.opts.Uploads.Remove(p); err != nil {
				logger.Warn("Failed to remove upload", "path", p, "error", err)
			}
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid multipart body: %v", err), "")
			return
		}

		switch part.FormName() {
		case FieldFile:
			if videoPath != "" {
				break
			}
			videoPath, err = h.opts.Uploads.SaveVideo(ctx, jobID, part.FileName(), part)
		case FieldCustomModel:
			if part.FileName() == "" || modelPath != "" {
				break
			}
			modelPath, err = h.opts.Uploads.SaveModel(ctx, jobID, part.FileName(), part)
		case FieldModel:
			var b []byte
			b, err = io.ReadAll(io.LimitReader(part, maxFieldSize))
			model = strings.TrimSpace(string(b))
		}
		part.Close()

		if err != nil {
			cleanup()
			h.writeUploadError(w, err)
			return
		}
	}

	if videoPath == "" {
		cleanup()
		writeError(w, http.StatusBadRequest, "file is required", "")
		return
	}

	// uploaded weights take precedence over the model name
	if modelPath != "" {
		model = modelPath
	}
	if model == "" {
		model = h.opts.DefaultModel
	}

	spec, err := detector.ResolveModel(model, h.opts.BuiltinModels)
	if err != nil {
		cleanup()
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	logger.Info("Starting job", "model", model, "spec", spec.String(), "video", videoPath)

	runID, err := h.opts.Jobs.RunAsync(workflows.JobRequest{
		JobID:     jobID,
		VideoPath: videoPath,
		Model:     model,
		Spec:      spec,
	})
	if err != nil {
		cleanup()
		logger.Error("Failed to start job", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, workflows.ErrRunnerClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, fmt.Sprintf("Failed to start job: %v", err), "")
		return
	}

	logger.Debug("Job started", "run_id", runID)

	writeJSON(w, http.StatusOK, pipeline.UploadResponse{
		JobID:     jobID,
		WS:        "/ws/jobs/" + jobID,
		ModelUsed: model,
	})
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "Upload already exists", "")
	case errors.Is(err, storage.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", "")
	default:
		h.logger.Error("Failed to store upload", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload", "")
	}
}

// newJobID returns a random 32 character hex id
func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
