package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
	"github.com/tendant/simple-detection-pipeline/internal/cache"
	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVideo serves solid frames of a fixed size.
type fakeVideo struct {
	info     video.Info
	frames   int
	probeErr error
	openErr  error
	// readErrAt makes Next fail at that index when readErr is set
	readErrAt int
	readErr   error

	mu     sync.Mutex
	opened int
	closed int
}

func (f *fakeVideo) Probe(ctx context.Context, path string) (video.Info, error) {
	if f.probeErr != nil {
		return video.Info{}, f.probeErr
	}
	return f.info, nil
}

func (f *fakeVideo) Open(ctx context.Context, path string, info video.Info) (video.Reader, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &fakeReader{v: f}, nil
}

func (f *fakeVideo) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeReader struct {
	v *fakeVideo
	i int
}

func (r *fakeReader) Next() (image.Image, error) {
	if r.v.readErr != nil && r.i == r.v.readErrAt {
		return nil, r.v.readErr
	}
	if r.i >= r.v.frames {
		return nil, io.EOF
	}
	r.i++
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = uint8(r.i * 10)
		img.Pix[p+3] = 0xff
	}
	return img, nil
}

func (r *fakeReader) Close() error {
	r.v.mu.Lock()
	defer r.v.mu.Unlock()
	r.v.closed++
	return nil
}

// fakeDetector fails or returns an unencodable frame at chosen call indices.
type fakeDetector struct {
	failAt map[int]bool
	hugeAt map[int]bool
	calls  int
	block  chan struct{}
}

func (d *fakeDetector) Predict(ctx context.Context, frame image.Image) (image.Image, error) {
	i := d.calls
	d.calls++
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.failAt[i] {
		return nil, errors.New("cuda out of memory")
	}
	if d.hugeAt[i] {
		// jpeg cannot encode images this wide
		return image.NewGray(image.Rect(0, 0, 1<<16, 1)), nil
	}
	return frame, nil
}

// eventLog is an observer that decodes everything it receives.
type eventLog struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (l *eventLog) Send(_ context.Context, msg []byte) error {
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(t string) []pipeline.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []pipeline.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// failingCache rejects frame appends after a number of successes.
type failingCache struct {
	*cache.Cache
	appendsLeft int
}

func (c *failingCache) AppendFrame(ctx context.Context, jobID string, data []byte) (int64, error) {
	if c.appendsLeft == 0 {
		return 0, errors.New("OOM command not allowed when used memory > 'maxmemory'")
	}
	c.appendsLeft--
	return c.Cache.AppendFrame(ctx, jobID, data)
}

type harness struct {
	mr        *miniredis.Miniredis
	cache     *cache.Cache
	colors    *colors.Store
	registry  *broadcast.Registry
	events    *eventLog
	video     *fakeVideo
	detector  *fakeDetector
	factory   detector.Factory
	gotColors pipeline.ColorMap
}

func newHarness(t *testing.T, frames, advertised int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		mr:       mr,
		cache:    cache.New(rdb, 30*time.Minute),
		colors:   colors.NewStore(rdb),
		registry: broadcast.NewRegistry(discardLogger()),
		events:   &eventLog{},
		video: &fakeVideo{
			info:   video.Info{TotalFrames: advertised, FPS: 25, Width: 8, Height: 8},
			frames: frames,
		},
		detector: &fakeDetector{failAt: map[int]bool{}, hugeAt: map[int]bool{}},
	}
	h.factory = func(ctx context.Context, spec detector.ModelSpec, c pipeline.ColorMap) (detector.Detector, error) {
		h.gotColors = c
		return h.detector, nil
	}
	h.registry.Register("abc123", h.events)
	return h
}

func (h *harness) workflow(fc FrameCache) *InferenceWorkflow {
	if fc == nil {
		fc = h.cache
	}
	return NewInferenceWorkflow(InferenceDeps{
		Cache:     fc,
		Events:    h.registry,
		Colors:    h.colors,
		Video:     h.video,
		Detectors: h.factory,
		Logger:    discardLogger(),
		Config:    InferenceConfig{JPEGQuality: 80},
	})
}

func jobRequest() JobRequest {
	return JobRequest{
		JobID:     "abc123",
		VideoPath: "uploads/abc123.mp4",
		Model:     "yolov8n",
		Spec:      detector.BuiltIn("yolov8n", "yolov8n.pt"),
	}
}
