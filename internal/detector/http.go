package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// HTTPConfig configures the remote inference backend
type HTTPConfig struct {
	BaseURL string
	// Confidence threshold passed to the backend
	Confidence float64
	// ImageSize is the inference resolution passed to the backend
	ImageSize int
	Timeout   time.Duration
}

// DefaultHTTPConfig returns the thresholds the service has always used
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Confidence: 0.25,
		ImageSize:  640,
		Timeout:    30 * time.Second,
	}
}

type loadRequest struct {
	Kind    string `json:"kind"`
	Weights string `json:"weights"`
}

type loadResponse struct {
	ModelID string `json:"model_id"`
}

type wireDetection struct {
	Box        [4]float64 `json:"box"`
	Label      string     `json:"label"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
}

type predictResponse struct {
	Detections []wireDetection `json:"detections"`
}

// HTTPDetector sends frames to a remote inference service and annotates the
// returned detections locally
type HTTPDetector struct {
	cfg     HTTPConfig
	client  *http.Client
	modelID string
	colors  pipeline.ColorMap
}

// NewHTTPFactory returns a Factory that loads the model on the backend when a
// job starts. Custom weights are referenced by path, so the backend must see
// the same model directory.
func NewHTTPFactory(cfg HTTPConfig, logger *slog.Logger) Factory {
	client := &http.Client{Timeout: cfg.Timeout}
	return func(ctx context.Context, spec ModelSpec, colors pipeline.ColorMap) (Detector, error) {
		kind := "builtin"
		if spec.Kind == KindCustom {
			kind = "custom"
		}
		body, err := json.Marshal(loadRequest{Kind: kind, Weights: spec.Weights})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/models/load", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create load request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", spec, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("load model %s: backend returned %d: %s", spec, resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var lr loadResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return nil, fmt.Errorf("decode load response: %w", err)
		}
		if lr.ModelID == "" {
			return nil, fmt.Errorf("load model %s: backend returned no model id", spec)
		}

		logger.Info("detection model loaded", "model", spec.String(), "model_id", lr.ModelID, "custom_colors", len(colors))
		return &HTTPDetector{cfg: cfg, client: client, modelID: lr.ModelID, colors: colors}, nil
	}
}

// Predict posts the frame as JPEG and draws the returned boxes
func (d *HTTPDetector) Predict(ctx context.Context, frame image.Image) (image.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	url := fmt.Sprintf("%s/predict?model_id=%s&conf=%g&imgsz=%d", d.cfg.BaseURL, d.modelID, d.cfg.Confidence, d.cfg.ImageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict: backend returned %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}

	dets := make([]Detection, 0, len(pr.Detections))
	for _, w := range pr.Detections {
		dets = append(dets, Detection{
			Box:        image.Rect(int(w.Box[0]), int(w.Box[1]), int(w.Box[2]), int(w.Box[3])),
			Label:      w.Label,
			ClassID:    w.ClassID,
			Confidence: w.Confidence,
		})
	}
	return Annotate(frame, dets, d.colors), nil
}
