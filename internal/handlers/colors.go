package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// maxColorsBody bounds a PUT /models/{model}/colors body
const maxColorsBody = 64 * 1024

// HandleGetColors handles GET /models/{model}/colors. A model without
// overrides returns an empty set.
func (h *Handler) HandleGetColors(w http.ResponseWriter, r *http.Request) {
	key := colors.NormalizeModelKey(r.PathValue("model"))

	set, err := h.opts.Colors.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("Failed to read colors", "model_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read colors", "")
		return
	}

	writeJSON(w, http.StatusOK, pipeline.ModelColors{ModelKey: key, Colors: set})
}

// HandlePutColors handles PUT /models/{model}/colors. The body is a JSON
// object of label to "#rrggbb" and replaces the whole set. Jobs already
// running keep the colors they started with.
func (h *Handler) HandlePutColors(w http.ResponseWriter, r *http.Request) {
	key := colors.NormalizeModelKey(r.PathValue("model"))

	var set pipeline.ColorMap
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxColorsBody)).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request: body must be a JSON object of label to color", "")
		return
	}
	if set == nil {
		set = pipeline.ColorMap{}
	}

	if err := h.opts.Colors.Set(r.Context(), key, set); err != nil {
		if errors.Is(err, colors.ErrInvalidColor) {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		h.logger.Error("Failed to save colors", "model_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save colors", "")
		return
	}

	h.logger.Info("Saved custom colors", "model_key", key, "labels", len(set))
	writeJSON(w, http.StatusOK, pipeline.ModelColors{ModelKey: key, Colors: set})
}
