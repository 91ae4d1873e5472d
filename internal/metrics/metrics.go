// Package metrics exposes Prometheus instrumentation for transcription runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whisperrec"

// Outcome labels for segments_total.
const (
	SegmentOK               = "ok"
	SegmentExtractFailed    = "extract_failed"
	SegmentTranscribeFailed = "transcribe_failed"
)

// Recorder owns a private registry so several pipelines (and tests) can run in
// one process without colliding on the default registerer. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	transcriptions      *prometheus.CounterVec
	segments            *prometheus.CounterVec
	diarizationFailures *prometheus.CounterVec
	words               prometheus.Counter
	stageDuration       *prometheus.HistogramVec
	speakers            prometheus.Histogram
	active              prometheus.Gauge
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		transcriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcriptions_total",
				Help:      "Completed transcription runs by path taken and outcome",
			},
			[]string{"path", "outcome"},
		),
		segments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Speaker segments processed by outcome",
			},
			[]string{"outcome"},
		),
		diarizationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diarization_failures_total",
				Help:      "Diarization attempts that produced no timeline",
			},
			[]string{"reason"},
		),
		words: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "words_transcribed_total",
				Help:      "Words emitted across all transcripts",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent per pipeline stage",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		speakers: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "speakers_detected",
				Help:      "Distinct speakers found per recording",
				Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12},
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transcriptions",
				Help:      "Transcription runs currently in progress",
			},
		),
	}

	r.registry.MustRegister(
		r.transcriptions,
		r.segments,
		r.diarizationFailures,
		r.words,
		r.stageDuration,
		r.speakers,
		r.active,
	)
	return r
}

// Registry returns the underlying registry, e.g. for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder's metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted increments the in-flight gauge. Pair with RunFinished.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.active.Inc()
}

// RunFinished records a completed run.
func (r *Recorder) RunFinished(path, outcome string, words int) {
	if r == nil {
		return
	}
	r.active.Dec()
	r.transcriptions.WithLabelValues(path, outcome).Inc()
	if words > 0 {
		r.words.Add(float64(words))
	}
}

// Segment counts one processed segment.
func (r *Recorder) Segment(outcome string) {
	if r == nil {
		return
	}
	r.segments.WithLabelValues(outcome).Inc()
}

// DiarizationFailed counts a diarization failure.
func (r *Recorder) DiarizationFailed(reason string) {
	if r == nil {
		return
	}
	r.diarizationFailures.WithLabelValues(reason).Inc()
}

// Speakers observes the speaker count of one timeline.
func (r *Recorder) Speakers(n int) {
	if r == nil {
		return
	}
	r.speakers.Observe(float64(n))
}

// ObserveStage records how long stage took since start.
func (r *Recorder) ObserveStage(stage string, start time.Time) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
