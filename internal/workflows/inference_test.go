package workflows

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-detection-pipeline/internal/colors"
	"github.com/tendant/simple-detection-pipeline/internal/detector"
	"github.com/tendant/simple-detection-pipeline/internal/video"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// TestInferenceAllFramesSucceed checks the ten frame happy path end to end.
func TestInferenceAllFramesSucceed(t *testing.T) {
	h := newHarness(t, 10, 10)

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest(), RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, res.Status)
	assert.Equal(t, 10, res.ProcessedFrames)

	frames := h.events.ofType(pipeline.EventFrame)
	progress := h.events.ofType(pipeline.EventProgress)
	require.Len(t, frames, 10)
	require.Len(t, progress, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, *frames[i].Frame)
		_, decErr := base64.StdEncoding.DecodeString(frames[i].Data)
		assert.NoError(t, decErr)

		assert.Equal(t, i+1, *progress[i].Frame)
		assert.Equal(t, 10, *progress[i].TotalFrames)
		assert.Equal(t, float64(i+1)*10, *progress[i].Pct)
	}

	done := h.events.ofType(pipeline.EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, 10, done[0].Metrics.TotalFrames)
	assert.Equal(t, "yolov8n", done[0].Metrics.Model)
	assert.Empty(t, h.events.ofType(pipeline.EventError))

	// frame then progress, in capture order, done last
	types := h.events.types()
	assert.Equal(t, pipeline.EventFrame, types[0])
	assert.Equal(t, pipeline.EventProgress, types[1])
	assert.Equal(t, pipeline.EventDone, types[len(types)-1])

	info, err := h.cache.Meta(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, info.Status)
	assert.Equal(t, 10, info.ProcessedFrames)
	assert.Equal(t, 10, info.TotalFrames)
	assert.Equal(t, 25.0, info.FPS)
	require.NotNil(t, info.Metrics)

	stored, err := h.cache.Frames(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, stored, 10)
	assert.Equal(t, 1, h.video.closedCount())
}

// TestInferenceFailureFallsBackToRawFrame verifies one failed prediction
// neither aborts the job nor drops the frame.
func TestInferenceFailureFallsBackToRawFrame(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.detector.failAt[5] = true

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, res.Status)
	assert.Equal(t, 10, res.ProcessedFrames)
	assert.Equal(t, 1, res.Metrics.FailedInferences)

	frames := h.events.ofType(pipeline.EventFrame)
	require.Len(t, frames, 10)
	assert.Equal(t, 5, *frames[5].Frame)
}

// TestEncodeFailureSkipsFrame verifies a frame that cannot be encoded is not
// stored while the index and percent still advance.
func TestEncodeFailureSkipsFrame(t *testing.T) {
	h := newHarness(t, 4, 4)
	h.detector.hugeAt[2] = true

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ProcessedFrames)
	assert.Equal(t, 4, res.TotalFrames)
	assert.Equal(t, 1, res.Metrics.SkippedFrames)
	assert.Equal(t, 3, res.Metrics.TotalFrames)

	var indices []int
	for _, ev := range h.events.ofType(pipeline.EventFrame) {
		indices = append(indices, *ev.Frame)
	}
	assert.Equal(t, []int{0, 1, 3}, indices)

	progress := h.events.ofType(pipeline.EventProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, 100.0, *progress[2].Pct)

	stored, err := h.cache.Frames(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestProbeFailureFailsJobWithoutFrames(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.video.probeErr = &video.CommandError{Stage: "probe", Message: "ffprobe failed"}

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.ErrorIs(t, err, ErrProbeFailed)
	assert.Equal(t, pipeline.StatusFailed, res.Status)

	assert.Equal(t, []string{pipeline.EventError}, h.events.types())
	assert.Equal(t, 0, h.video.opened)

	info, err := h.cache.Meta(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, info.Status)
	assert.Contains(t, info.Error, "cannot read video metadata")
}

// TestOpenFailureProducesNoFrames verifies a video that cannot be opened
// goes straight to failed with no frame records.
func TestOpenFailureProducesNoFrames(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.video.openErr = video.ErrOpen

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.ErrorIs(t, err, ErrVideoOpen)

	stored, err := h.cache.Frames(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Len(t, h.events.ofType(pipeline.EventError), 1)
}

func TestDecoderOpenFailureOnFirstRead(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.video.readErr = &video.CommandError{Stage: "decode", Err: video.ErrOpen}
	h.video.readErrAt = 0

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	assert.ErrorIs(t, err, ErrVideoOpen)
	assert.Equal(t, 1, h.video.closedCount())
}

func TestDecodeErrorMidStreamFailsJob(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.video.readErr = errors.New("corrupt packet")
	h.video.readErrAt = 4

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 4, res.ProcessedFrames)
	assert.Empty(t, h.events.ofType(pipeline.EventDone))
	assert.Len(t, h.events.ofType(pipeline.EventError), 1)
	assert.Equal(t, 1, h.video.closedCount())

	stored, err := h.cache.Frames(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestBackendInitFailureIsFatal(t *testing.T) {
	h := newHarness(t, 10, 10)
	calls := 0
	h.factory = func(context.Context, detector.ModelSpec, pipeline.ColorMap) (detector.Detector, error) {
		calls++
		return nil, errors.New("weights not found")
	}

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.ErrorIs(t, err, ErrBackendInit)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.video.opened)

	errs := h.events.ofType(pipeline.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "weights not found")
}

// TestCacheWriteFailureStopsJob verifies a rejected append is fatal, emits
// exactly one error event and never a done event.
func TestCacheWriteFailureStopsJob(t *testing.T) {
	h := newHarness(t, 10, 10)
	fc := &failingCache{Cache: h.cache, appendsLeft: 3}

	res, err := h.workflow(fc).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.ErrorIs(t, err, ErrCacheWrite)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, 3, res.ProcessedFrames)
	assert.Equal(t, 4, h.detector.calls)

	assert.Len(t, h.events.ofType(pipeline.EventError), 1)
	assert.Empty(t, h.events.ofType(pipeline.EventDone))
	assert.Equal(t, 1, h.video.closedCount())

	info, err := h.cache.Meta(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, info.Status)
}

func TestMoreFramesThanAdvertisedRaisesTotal(t *testing.T) {
	h := newHarness(t, 5, 3)

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ProcessedFrames)
	assert.Equal(t, 5, res.TotalFrames)

	for _, ev := range h.events.ofType(pipeline.EventProgress) {
		assert.LessOrEqual(t, *ev.Frame, *ev.TotalFrames)
	}
}

func TestUnknownFrameCount(t *testing.T) {
	h := newHarness(t, 3, 0)

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalFrames)

	for _, ev := range h.events.ofType(pipeline.EventProgress) {
		assert.Zero(t, *ev.Pct)
	}
}

func TestZeroFrameVideoCompletes(t *testing.T) {
	h := newHarness(t, 0, 0)

	res, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, res.Status)
	assert.Zero(t, res.Metrics.AvgFPS)
	assert.Zero(t, res.Metrics.AvgInferMs)
}

func TestColorOverridesReachTheBackend(t *testing.T) {
	h := newHarness(t, 1, 1)
	set := pipeline.ColorMap{"person": "#ff0000"}
	require.NoError(t, h.colors.Set(context.Background(), colors.NormalizeModelKey("custom_models/old_helmets.pt"), set))

	req := jobRequest()
	req.Model = "custom_models/abc123_helmets.pt"
	req.Spec = detector.Custom(req.Model)

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: req})
	require.NoError(t, err)
	assert.Equal(t, set, h.gotColors)
}

func TestUnreadableColorsFallBackToEmpty(t *testing.T) {
	h := newHarness(t, 1, 1)
	require.NoError(t, h.mr.Set(colors.Key("yolov8n"), "not json"))

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.NotNil(t, h.gotColors)
	assert.Empty(t, h.gotColors)
}

func TestCancelledJobEndsFailed(t *testing.T) {
	h := newHarness(t, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: ctx, Request: jobRequest()})
	require.Error(t, err)

	// InitJob runs against a cancelled context, so the failure is recorded
	// with cancellation ignored
	info, metaErr := h.cache.Meta(context.Background(), "abc123")
	require.NoError(t, metaErr)
	assert.Equal(t, pipeline.StatusFailed, info.Status)
	assert.Len(t, h.events.ofType(pipeline.EventError), 1)
}

// widthDetector records the width of the frames it sees
type widthDetector struct{ width int }

func (d *widthDetector) Predict(_ context.Context, frame image.Image) (image.Image, error) {
	d.width = frame.Bounds().Dx()
	return frame, nil
}

func TestFrameDownscale(t *testing.T) {
	h := newHarness(t, 1, 1)
	rec := &widthDetector{}
	h.factory = func(context.Context, detector.ModelSpec, pipeline.ColorMap) (detector.Detector, error) {
		return rec, nil
	}
	w := h.workflow(nil)
	w.Config.FrameMaxWidth = 4

	_, err := w.Execute(&WorkflowContext{Ctx: context.Background(), Request: jobRequest()})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.width)
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t, 1, 1)
	_, err := h.workflow(nil).Execute(&WorkflowContext{Ctx: context.Background(), Request: JobRequest{}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.events.types())
}
