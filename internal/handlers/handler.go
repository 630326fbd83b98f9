// Package handlers exposes the inference pipeline over HTTP and WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/storage"
	"github.com/tendant/simple-detection-pipeline/internal/workflows"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// JobStarter starts inference jobs in the background
type JobStarter interface {
	RunAsync(req workflows.JobRequest) (string, error)
}

// StatusReader reads cached job metadata
type StatusReader interface {
	Meta(ctx context.Context, jobID string) (pipeline.JobInfo, error)
}

// RunLookup finds recorded outcomes of jobs the cache has forgotten
type RunLookup interface {
	Get(ctx context.Context, jobID string) (ledger.Run, error)
}

// Reconstructor builds the output video of a job
type Reconstructor interface {
	Execute(ctx context.Context, jobID string) (*workflows.Artifact, error)
}

// ColorStore reads and replaces color override sets
type ColorStore interface {
	Get(ctx context.Context, modelKey string) (pipeline.ColorMap, error)
	Set(ctx context.Context, modelKey string, set pipeline.ColorMap) error
}

// Options wires the handler's collaborators. Ledger and Gatherer are optional.
type Options struct {
	Jobs          JobStarter
	Status        StatusReader
	Ledger        RunLookup
	Reconstructor Reconstructor
	Uploads       storage.Uploads
	Observers     *broadcast.Registry
	Colors        ColorStore
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger

	DefaultModel  string
	BuiltinModels map[string]string

	// ObserverBuffer is the per-connection outbound queue length
	ObserverBuffer int
}

// Handler serves the pipeline API
type Handler struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a handler
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ObserverBuffer <= 0 {
		opts.ObserverBuffer = 256
	}
	return &Handler{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewer pages are served from anywhere
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /upload", h.HandleUpload)
	mux.HandleFunc("GET /ws/jobs/{id}", h.HandleObserve)
	mux.HandleFunc("GET /jobs/{id}", h.HandleStatus)
	mux.HandleFunc("GET /download/{id}", h.HandleDownload)
	mux.HandleFunc("GET /models/{model}/colors", h.HandleGetColors)
	mux.HandleFunc("PUT /models/{model}/colors", h.HandlePutColors)

	if h.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Routes returns a mux with every route registered
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// HandleHealth returns health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, pipeline.ErrorResponse{Error: message, Code: code})
}
