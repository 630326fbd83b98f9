// Package metrics computes per-job summaries and exports process-wide
// Prometheus collectors.
package metrics

import (
	"time"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// StageTimings accumulates per-frame stage durations for one job.
// Not safe for concurrent use; a job has a single producer.
type StageTimings struct {
	Preprocess  []time.Duration
	Infer       []time.Duration
	Postprocess []time.Duration

	FailedInferences int
	SkippedFrames    int
}

func (s *StageTimings) AddPreprocess(d time.Duration)  { s.Preprocess = append(s.Preprocess, d) }
func (s *StageTimings) AddInfer(d time.Duration)       { s.Infer = append(s.Infer, d) }
func (s *StageTimings) AddPostprocess(d time.Duration) { s.Postprocess = append(s.Postprocess, d) }

// Compute summarises a finished job. frames is the number of frames stored.
// avg_fps is 0 when no time elapsed; a stage with no samples averages 0.
func Compute(t StageTimings, frames int, start, end time.Time, model string) pipeline.Metrics {
	elapsed := end.Sub(start).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}

	return pipeline.Metrics{
		Model:            model,
		TotalFrames:      frames,
		TotalTimeS:       pipeline.Round(elapsed, 4),
		AvgFPS:           pipeline.Round(fps, 4),
		AvgPreprocessMs:  pipeline.Round(meanMs(t.Preprocess), 3),
		AvgInferMs:       pipeline.Round(meanMs(t.Infer), 3),
		AvgPostprocessMs: pipeline.Round(meanMs(t.Postprocess), 3),
		FailedInferences: t.FailedInferences,
		SkippedFrames:    t.SkippedFrames,
	}
}

func meanMs(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return float64(total) / float64(len(ds)) / float64(time.Millisecond)
}
