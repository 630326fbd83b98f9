package handlers

import (
	"errors"
	"mime"
	"net/http"
	"os"

	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/workflows"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// HandleStatus handles GET /jobs/{id}. Jobs the cache has forgotten are
// looked up in the ledger when one is configured.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	info, err := h.opts.Status.Meta(r.Context(), jobID)
	if err == nil {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if !errors.Is(err, workflows.ErrNotFound) {
		h.logger.Error("Failed to read job status", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read job status", "")
		return
	}

	if h.opts.Ledger != nil {
		run, lerr := h.opts.Ledger.Get(r.Context(), jobID)
		if lerr == nil {
			writeJSON(w, http.StatusOK, run.Info())
			return
		}
		if !errors.Is(lerr, ledger.ErrNotFound) {
			h.logger.Warn("Ledger lookup failed", "job_id", jobID, "error", lerr)
		}
	}

	writeError(w, http.StatusNotFound, "Job not found or expired", pipeline.CodeNotFound)
}

// HandleDownload handles GET /download/{id}: rebuilds the job's video from
// its cached frames and serves it as an attachment. A successful download
// clears the job from the cache.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	logger := h.logger.With("job_id", jobID)

	artifact, err := h.opts.Reconstructor.Execute(r.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, workflows.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found or expired", pipeline.CodeNotFound)
		return
	case errors.Is(err, workflows.ErrJobRunning):
		writeError(w, http.StatusConflict, "Job is still running", pipeline.CodeJobRunning)
		return
	case errors.Is(err, workflows.ErrNoFrames):
		writeError(w, http.StatusGone, workflows.ErrNoFrames.Error(), pipeline.CodeNoFrames)
		return
	case errors.Is(err, workflows.ErrEncodeFailed):
		writeError(w, http.StatusInternalServerError, err.Error(), pipeline.CodeEncodeFailed)
		return
	default:
		logger.Error("Reconstruction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Reconstruction failed", "")
		return
	}
	defer func() {
		if err := artifact.Close(); err != nil {
			logger.Warn("Failed to remove artifact", "error", err)
		}
	}()

	f, err := os.Open(artifact.Path)
	if err != nil {
		logger.Error("Failed to open artifact", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to open video", "")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open video", "")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.FileName()}))
	http.ServeContent(w, r, artifact.FileName(), fi.ModTime(), f)
	logger.Info("Video downloaded", "frames", artifact.Frames, "bytes", fi.Size())
}
