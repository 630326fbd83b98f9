package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-detection-pipeline/internal/broadcast"
)

// Stage labels for the stage duration histogram
const (
	StagePreprocess  = "preprocess"
	StageInfer       = "infer"
	StagePostprocess = "postprocess"
)

// Collectors holds the Prometheus instruments the pipeline updates.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	JobsStarted     prometheus.Counter
	JobsFinished    *prometheus.CounterVec
	FramesStored    prometheus.Counter
	InferenceFailed prometheus.Counter
	FramesSkipped   prometheus.Counter
	StageDuration   *prometheus.HistogramVec
	Reconstructions *prometheus.CounterVec
}

// NewCollectors creates the instruments and registers them on reg. When
// observers is non-nil its counters are exported as gauge/counter funcs.
func NewCollectors(reg prometheus.Registerer, observers *broadcast.Registry) *Collectors {
	c := &Collectors{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "jobs_started_total",
			Help:      "Inference jobs started.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "jobs_finished_total",
			Help:      "Inference jobs that reached a terminal status.",
		}, []string{"status"}),
		FramesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "frames_stored_total",
			Help:      "Annotated frames appended to the frame cache.",
		}),
		InferenceFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "inference_failures_total",
			Help:      "Frames whose inference failed and were stored unannotated.",
		}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "frames_skipped_total",
			Help:      "Frames dropped because JPEG encoding failed.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "detection",
			Name:      "stage_duration_seconds",
			Help:      "Per-frame stage duration.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		Reconstructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection",
			Name:      "reconstructions_total",
			Help:      "Video reconstruction attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.JobsStarted,
		c.JobsFinished,
		c.FramesStored,
		c.InferenceFailed,
		c.FramesSkipped,
		c.StageDuration,
		c.Reconstructions,
	)

	if observers != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "detection",
				Name:      "observers",
				Help:      "Connected live observers across all jobs.",
			}, func() float64 { return float64(observers.Stats().Observers) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "detection",
				Name:      "observer_delivery_failures_total",
				Help:      "Event sends that failed for an observer.",
			}, func() float64 { return float64(observers.Stats().Failed) }),
		)
	}
	return c
}

func (c *Collectors) JobStarted() {
	if c == nil {
		return
	}
	c.JobsStarted.Inc()
}

func (c *Collectors) JobFinished(status string) {
	if c == nil {
		return
	}
	c.JobsFinished.WithLabelValues(status).Inc()
}

func (c *Collectors) FrameStored() {
	if c == nil {
		return
	}
	c.FramesStored.Inc()
}

func (c *Collectors) InferenceFailure() {
	if c == nil {
		return
	}
	c.InferenceFailed.Inc()
}

func (c *Collectors) FrameSkipped() {
	if c == nil {
		return
	}
	c.FramesSkipped.Inc()
}

func (c *Collectors) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collectors) Reconstruction(outcome string) {
	if c == nil {
		return
	}
	c.Reconstructions.WithLabelValues(outcome).Inc()
}
