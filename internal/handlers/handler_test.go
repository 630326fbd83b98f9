package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/internal/cache"
	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/ledger"
	"github.com/tendant/simple-detection-pipeline/internal/metrics"
	"github.com/tendant/simple-detection-pipeline/internal/storage"
	"github.com/tendant/simple-detection-pipeline/internal/workflows"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []workflows.JobRequest
	err  error
}

func (s *fakeStarter) RunAsync(req workflows.JobRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return req.JobID + "-1", nil
}

type fakeLedger map[string]ledger.Run

func (l fakeLedger) Get(_ context.Context, jobID string) (ledger.Run, error) {
	run, ok := l[jobID]
	if !ok {
		return ledger.Run{}, ledger.ErrNotFound
	}
	return run, nil
}

// fileMuxer writes a stand-in video, or fails
type fileMuxer struct{ err error }

func (m fileMuxer) Mux(_ context.Context, _ string, _ float64, outPath string) error {
	if m.err != nil {
		return m.err
	}
	return os.WriteFile(outPath, []byte("fake mp4 payload"), 0o644)
}

type testServer struct {
	handler   *Handler
	mux       *http.ServeMux
	cache     *cache.Cache
	colors    *colors.Store
	observers *broadcast.Registry
	starter   *fakeStarter
	ledger    fakeLedger
	base      string
}

func newTestServer(t *testing.T, muxErr error) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := t.TempDir()
	uploads, err := storage.NewFilesystemStorage(filepath.Join(base, "uploads"), filepath.Join(base, "custom_models"), 1024)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	observers := broadcast.NewRegistry(logger)
	collectors := metrics.NewCollectors(reg, observers)

	ts := &testServer{
		cache:     cache.New(rdb, 30*time.Minute),
		colors:    colors.NewStore(rdb),
		observers: observers,
		starter:   &fakeStarter{},
		ledger:    fakeLedger{},
		base:      base,
	}
	ts.handler = New(Options{
		Jobs:          ts.starter,
		Status:        ts.cache,
		Ledger:        ts.ledger,
		Reconstructor: workflows.NewReconstructWorkflow(ts.cache, fileMuxer{err: muxErr}, filepath.Join(base, "tmp"), 0, collectors, logger),
		Uploads:       uploads,
		Observers:     observers,
		Colors:        ts.colors,
		Gatherer:      reg,
		Logger:        logger,
		DefaultModel:  "yolov8n",
		BuiltinModels: map[string]string{"yolov8n": "yolov8n.pt", "yolo11n": "yolo11n.pt"},
	})
	ts.mux = ts.handler.Routes()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

type formFile struct {
	field, name, content string
}

func uploadRequest(t *testing.T, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) pipeline.ErrorResponse {
	t.Helper()
	var resp pipeline.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestUploadStartsJob(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(uploadRequest(t, map[string]string{"model": "yolo11n"}, formFile{"file", "clip.MOV", "video"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pipeline.UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.JobID, 32)
	assert.Equal(t, "/ws/jobs/"+resp.JobID, resp.WS)
	assert.Equal(t, "yolo11n", resp.ModelUsed)

	require.Len(t, ts.starter.reqs, 1)
	req := ts.starter.reqs[0]
	assert.Equal(t, resp.JobID, req.JobID)
	assert.Equal(t, detector.BuiltIn("yolo11n", "yolo11n.pt"), req.Spec)
	assert.Equal(t, filepath.Join(ts.base, "uploads", resp.JobID+".mov"), req.VideoPath)
	assert.FileExists(t, req.VideoPath)
}

func TestUploadDefaultModel(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(uploadRequest(t, nil, formFile{"file", "clip.mp4", "video"}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.starter.reqs, 1)
	assert.Equal(t, "yolov8n", ts.starter.reqs[0].Model)
}

func TestUploadCustomModel(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(uploadRequest(t, map[string]string{"model": "yolov8n"},
		formFile{"file", "clip.mp4", "video"},
		formFile{"custom_model", "helmets.pt", "weights"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pipeline.UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	want := filepath.Join(ts.base, "custom_models", resp.JobID+"_helmets.pt")
	assert.Equal(t, want, resp.ModelUsed)
	assert.Equal(t, detector.Custom(want), ts.starter.reqs[0].Spec)
	assert.Equal(t, "helmets.pt", colors.NormalizeModelKey(resp.ModelUsed))
}

func TestUploadRejected(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		files  []formFile
		status int
	}{
		{
			name:   "unsupported extension",
			files:  []formFile{{"file", "clip.gif", "video"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "weights not .pt",
			files:  []formFile{{"file", "clip.mp4", "video"}, {"custom_model", "model.onnx", "weights"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown model",
			fields: map[string]string{"model": "resnet"},
			files:  []formFile{{"file", "clip.mp4", "video"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "missing file",
			fields: map[string]string{"model": "yolov8n"},
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			files:  []formFile{{"file", "clip.mp4", strings.Repeat("x", 2048)}},
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rec := ts.do(uploadRequest(t, tt.fields, tt.files...))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeError(t, rec).Error)
			assert.Empty(t, ts.starter.reqs)

			// nothing is left behind
			entries, err := os.ReadDir(filepath.Join(ts.base, "uploads"))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestUploadRunnerClosed(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.starter.err = workflows.ErrRunnerClosed

	rec := ts.do(uploadRequest(t, nil, formFile{"file", "clip.mp4", "video"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// takenUploads reports every video name as already stored
type takenUploads struct{ storage.Uploads }

func (takenUploads) SaveVideo(context.Context, string, string, io.Reader) (string, error) {
	return "", storage.ErrExists
}

func TestUploadExistingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handler.opts.Uploads = takenUploads{ts.handler.opts.Uploads}

	rec := ts.do(uploadRequest(t, nil, formFile{"file", "clip.mp4", "video"}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, ts.starter.reqs)
}

func TestUploadNotMultipart(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.cache.InitJob(ctx, "abc123", "yolov8n", time.Now()))
	require.NoError(t, ts.cache.UpdateProgress(ctx, "abc123", 4, 10))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/jobs/abc123", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info pipeline.JobInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, pipeline.StatusRunning, info.Status)
	assert.Equal(t, 4, info.ProcessedFrames)
	assert.Equal(t, 10, info.TotalFrames)
}

func TestStatusFallsBackToLedger(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ledger["old"] = ledger.Run{JobID: "old", Model: "yolov8n", Status: pipeline.StatusDone, ProcessedFrames: 7, TotalFrames: 7}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/jobs/old", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info pipeline.JobInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, pipeline.StatusDone, info.Status)
	assert.Equal(t, 7, info.ProcessedFrames)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, pipeline.CodeNotFound, decodeError(t, rec).Code)
}

func seedFrames(t *testing.T, c *cache.Cache, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.InitJob(ctx, jobID, "yolov8n", time.Now()))
	for i := 0; i < n; i++ {
		_, err := c.AppendFrame(ctx, jobID, []byte{0xff, 0xd8, byte(i)})
		require.NoError(t, err)
	}
	now := time.Now()
	require.NoError(t, c.Complete(ctx, jobID, n, n, now, now, pipeline.Metrics{Model: "yolov8n", TotalFrames: n}))
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	seedFrames(t, ts.cache, "abc123", 3)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=abc123.mp4`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "fake mp4 payload", rec.Body.String())

	// the scratch directory is gone after serving
	entries, err := os.ReadDir(filepath.Join(ts.base, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// retrieval is one-shot
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, pipeline.CodeNotFound, decodeError(t, rec).Code)
}

func TestDownloadErrors(t *testing.T) {
	t.Run("no frames", func(t *testing.T) {
		ts := newTestServer(t, nil)
		seedFrames(t, ts.cache, "abc123", 0)

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, pipeline.CodeNoFrames, decodeError(t, rec).Code)
	})

	t.Run("job running", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ctx := context.Background()
		require.NoError(t, ts.cache.InitJob(ctx, "abc123", "yolov8n", time.Now()))
		_, err := ts.cache.AppendFrame(ctx, "abc123", []byte{0xff, 0xd8})
		require.NoError(t, err)

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, pipeline.CodeJobRunning, decodeError(t, rec).Code)

		// the running job keeps its cache entries
		info, err := ts.cache.Meta(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRunning, info.Status)
		frames, err := ts.cache.Frames(ctx, "abc123")
		require.NoError(t, err)
		assert.Len(t, frames, 1)
	})

	t.Run("encode failed", func(t *testing.T) {
		ts := newTestServer(t, errors.New("exit status 1"))
		seedFrames(t, ts.cache, "abc123", 2)

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, pipeline.CodeEncodeFailed, decodeError(t, rec).Code)
	})
}

func TestColors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/models/yolov8n/colors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got pipeline.ModelColors
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Empty(t, got.Colors)

	body := `{"person":"#ff0000","helmet":"#00FF00"}`
	req := httptest.NewRequest(http.MethodPut, "/models/abc123_helmets.pt/colors", strings.NewReader(body))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := ts.colors.Get(context.Background(), "helmets.pt")
	require.NoError(t, err)
	assert.Equal(t, pipeline.ColorMap{"person": "#ff0000", "helmet": "#00FF00"}, stored)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/models/other_helmets.pt/colors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "helmets.pt", got.ModelKey)
	assert.Len(t, got.Colors, 2)
}

func TestPutColorsRejectsInvalid(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{`{"person":"red"}`, `["#ff0000"]`, `not json`} {
		rec := ts.do(httptest.NewRequest(http.MethodPut, "/models/yolov8n/colors", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	seedFrames(t, ts.cache, "abc123", 0)
	ts.do(httptest.NewRequest(http.MethodGet, "/download/abc123", nil))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `outcome="no_frames"`)
	assert.Contains(t, rec.Body.String(), "detection_observers")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
