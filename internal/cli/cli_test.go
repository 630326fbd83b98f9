package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.PathValue("id") != "abc123" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(pipeline.ErrorResponse{Error: "Job not found or expired", Code: pipeline.CodeNotFound})
			return
		}
		json.NewEncoder(w).Encode(pipeline.JobInfo{
			JobID:           "abc123",
			Model:           "yolov8n",
			Status:          pipeline.StatusDone,
			ProcessedFrames: 10,
			TotalFrames:     10,
			Metrics:         &pipeline.Metrics{Model: "yolov8n", TotalFrames: 10, TotalTimeS: 2, AvgFPS: 5},
		})
	})
	mux.HandleFunc("GET /download/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "abc123" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGone)
			json.NewEncoder(w).Encode(pipeline.ErrorResponse{Error: "no frames", Code: pipeline.CodeNoFrames})
			return
		}
		w.Write([]byte("mp4"))
	})
	mux.HandleFunc("PUT /models/{model}/colors", func(w http.ResponseWriter, r *http.Request) {
		var set pipeline.ColorMap
		json.NewDecoder(r.Body).Decode(&set)
		json.NewEncoder(w).Encode(pipeline.ModelColors{ModelKey: r.PathValue("model"), Colors: set})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := Execute()
	return buf.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "status", "abc123", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: done")
	assert.Contains(t, out, "Frames: 10/10")
	assert.Contains(t, out, "Done: 10 frames in 2.00s (5.00 fps)")

	_, err = execute(t, "status", "missing", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found or expired")
}

func TestDownloadCommand(t *testing.T) {
	srv := fakeServer(t)
	path := filepath.Join(t.TempDir(), "out.mp4")

	out, err := execute(t, "download", "abc123", "-o", path, "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(data))

	failed := filepath.Join(t.TempDir(), "failed.mp4")
	_, err = execute(t, "download", "failed", "-o", failed, "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no frames")
	assert.NoFileExists(t, failed)
}

func TestColorsCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "colors", "helmets.pt", "head=#ff0000", "helmet=#00ff00", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "helmets.pt:\n  head #ff0000\n  helmet #00ff00\n", out)

	_, err = execute(t, "colors", "helmets.pt", "helmet", "--server", srv.URL)
	assert.Error(t, err)
}

func TestParseColorPairs(t *testing.T) {
	set, err := parseColorPairs([]string{"person=#ff0000", "car=#0000ff"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ColorMap{"person": "#ff0000", "car": "#0000ff"}, set)

	_, err = parseColorPairs([]string{"=#ff0000"})
	assert.Error(t, err)
}
