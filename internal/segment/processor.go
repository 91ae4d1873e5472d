package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/audio"
	"github.com/tiroq/whisperrec/internal/diaglog"
	"github.com/tiroq/whisperrec/internal/diarize"
	"github.com/tiroq/whisperrec/internal/metrics"
)

// Progress bands of one Process call.
const (
	diarizeEnd  = 0.1
	segmentsEnd = 0.9
)

// Processor diarizes a recording and transcribes it one speaker segment at a
// time. The diarizer, extractor and backend are owned by the caller; the
// processor never closes them.
//
// Segments are processed strictly in timeline order and never concurrently,
// so only one segment's audio exists on disk at any moment. A Processor may
// be shared between goroutines only if its backend is reentrant (see
// asr.Exclusive).
type Processor struct {
	diarizer  diarize.Diarizer
	extractor audio.Extractor
	backend   asr.Backend
	opts      asr.TranscribeOptions

	logger  logrus.FieldLogger
	diag    *diaglog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// NewProcessor wires a processor from its three capabilities. A nil logger
// discards output.
func NewProcessor(d diarize.Diarizer, x audio.Extractor, b asr.Backend, logger logrus.FieldLogger) *Processor {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Processor{
		diarizer:  d,
		extractor: x,
		backend:   b,
		logger:    logger.WithField("component", "segment-processor"),
		diag:      diaglog.NewNoOp(),
		tracer:    otel.Tracer("github.com/tiroq/whisperrec/internal/segment"),
	}
}

// SetDiagLog attaches a diagnostic event logger.
func (p *Processor) SetDiagLog(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	p.diag = l
}

// SetMetrics attaches a metrics recorder.
func (p *Processor) SetMetrics(m *metrics.Recorder) {
	p.metrics = m
}

// SetTranscribeOptions sets the options passed to every backend call.
func (p *Processor) SetTranscribeOptions(opts asr.TranscribeOptions) {
	p.opts = opts
}

// Process diarizes audioPath and transcribes each resulting segment.
// Progress covers [0, 0.1] for diarization and (0.1, 0.9] for segments, then
// 1.0 on return; it never decreases.
//
// A timeline with no segments is a success with an empty Segments slice. The
// only error paths are a failed diarization (wrapping ErrDiarization) and
// context cancellation between segments. Per-segment failures are recorded as
// placeholder segments.
func (p *Processor) Process(ctx context.Context, audioPath string, progress diarize.ProgressFunc) (*Transcription, error) {
	report := monotonic(progress)

	tl, err := p.Diarize(ctx, audioPath, func(f float64) {
		report(clamp01(f) * diarizeEnd)
	})
	if err != nil {
		return nil, err
	}
	report(diarizeEnd)

	if tl.Len() == 0 {
		report(1.0)
		return &Transcription{Timeline: tl}, nil
	}
	return p.TranscribeSegments(ctx, audioPath, tl, report)
}

// Diarize runs the diarizer and wraps any failure in ErrDiarization. A nil
// timeline from the diarizer is treated as an empty one.
func (p *Processor) Diarize(ctx context.Context, audioPath string, progress diarize.ProgressFunc) (*diarize.Timeline, error) {
	ctx, span := p.tracer.Start(ctx, "segment.diarize",
		trace.WithAttributes(attribute.String("audio.path", audioPath)))
	defer span.End()

	started := time.Now()
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDiarizer,
		Event:     diaglog.EventDiarizeStart,
		Payload:   map[string]interface{}{"path": audioPath},
	})

	if progress == nil {
		progress = func(float64) {}
	}
	tl, err := p.diarizer.Diarize(ctx, audioPath, progress)
	p.metrics.ObserveStage("diarize", started)
	if err != nil {
		reason := "error"
		if errors.Is(err, diarize.ErrUnavailable) {
			reason = "timeout"
		} else if ctx.Err() != nil {
			reason = "cancelled"
		}
		p.metrics.DiarizationFailed(reason)
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentDiarizer,
			Event:     diaglog.EventDiarizeFailed,
			Reason:    err.Error(),
		})
		p.logger.WithError(err).WithField("path", audioPath).Warn("Diarization failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "diarization failed")
		return nil, fmt.Errorf("%w: %w", ErrDiarization, err)
	}
	if tl == nil {
		tl = diarize.NewTimeline(nil)
	}

	p.metrics.Speakers(tl.SpeakerCount())
	span.SetAttributes(
		attribute.Int("diarize.segments", tl.Len()),
		attribute.Int("diarize.speakers", tl.SpeakerCount()),
	)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDiarizer,
		Event:     diaglog.EventDiarizeDone,
		Payload: map[string]interface{}{
			"segments": tl.Len(),
			"speakers": tl.SpeakerCount(),
			"elapsed":  time.Since(started).Round(time.Millisecond).String(),
		},
	})
	p.logger.WithFields(logrus.Fields{
		"segments": tl.Len(),
		"speakers": tl.SpeakerCount(),
	}).Info("Diarization finished")
	return tl, nil
}

// TranscribeSegments transcribes every segment of tl from audioPath in order.
// Each segment's temporary audio is removed before the next one starts.
// Cancellation is checked between segments; an in-flight segment sees ctx
// through the extractor and backend.
func (p *Processor) TranscribeSegments(ctx context.Context, audioPath string, tl *diarize.Timeline, progress diarize.ProgressFunc) (*Transcription, error) {
	report := monotonic(progress)
	started := time.Now()
	defer p.metrics.ObserveStage("segments", started)

	n := tl.Len()
	out := make([]ProcessedSegment, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			p.logger.WithField("done", i).WithField("total", n).Info("Segment processing cancelled")
			return nil, err
		}
		out = append(out, p.processSegment(ctx, audioPath, i, tl.At(i)))
		report(diarizeEnd + (segmentsEnd-diarizeEnd)*float64(i+1)/float64(n))
	}

	result := &Transcription{Segments: out, Timeline: tl}
	p.logger.WithFields(logrus.Fields{
		"segments": n,
		"failed":   result.FailedCount(),
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Info("Segment transcription finished")

	report(1.0)
	return result, nil
}

func (p *Processor) processSegment(ctx context.Context, audioPath string, index int, seg diarize.Segment) ProcessedSegment {
	ctx, span := p.tracer.Start(ctx, "segment.transcribe", trace.WithAttributes(
		attribute.Int("segment.index", index),
		attribute.String("segment.speaker", seg.SpeakerID),
		attribute.Float64("segment.start_s", seg.Start.Seconds()),
		attribute.Float64("segment.duration_s", seg.Duration().Seconds()),
	))
	defer span.End()

	log := p.logger.WithFields(logrus.Fields{
		"segment": index,
		"speaker": seg.SpeakerID,
	})

	tmp, err := p.extractor.Extract(ctx, audioPath, seg.Start, seg.Duration())
	if err != nil {
		log.WithError(err).Warn("Segment extraction failed")
		p.segmentFailed(span, index, seg, diaglog.EventSegmentExtractFailed, metrics.SegmentExtractFailed, err)
		return failedSegment(seg, TextExtractionFailed)
	}
	defer func() {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Warn("Failed to remove segment audio")
		}
	}()

	tr, err := p.backend.TranscribeFile(ctx, tmp, p.opts)
	if err != nil {
		log.WithError(err).Warn("Segment transcription failed")
		p.segmentFailed(span, index, seg, diaglog.EventSegmentTranscribeFailed, metrics.SegmentTranscribeFailed, err)
		return failedSegment(seg, TextTranscriptionFailed)
	}

	ps := transcribedSegment(seg, asr.TextOf(tr))
	p.metrics.Segment(metrics.SegmentOK)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentProcessor,
		Event:     diaglog.EventSegmentDone,
		Payload: map[string]interface{}{
			"index":      index,
			"speaker":    seg.SpeakerID,
			"words":      len(strings.Fields(ps.Text)),
			"language":   ps.Language,
			"confidence": ps.Confidence,
		},
	})
	log.WithField("language", ps.Language).Debug("Segment transcribed")
	return ps
}

func (p *Processor) segmentFailed(span trace.Span, index int, seg diarize.Segment, event, outcome string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	p.metrics.Segment(outcome)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentProcessor,
		Event:     event,
		Reason:    err.Error(),
		Payload: map[string]interface{}{
			"index":   index,
			"speaker": seg.SpeakerID,
			"start_s": seg.Start.Seconds(),
			"end_s":   seg.End.Seconds(),
		},
	})
}

// monotonic wraps fn so reported values never go backwards. Safe for use
// from several goroutines. A nil fn yields a no-op.
func monotonic(fn diarize.ProgressFunc) diarize.ProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	var mu sync.Mutex
	last := -1.0
	return func(f float64) {
		mu.Lock()
		defer mu.Unlock()
		if f <= last {
			return
		}
		last = f
		fn(f)
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
