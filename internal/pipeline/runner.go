// Package pipeline runs one recording through diarization, transcription and
// formatting, and records how the result was produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/diaglog"
	"github.com/tiroq/whisperrec/internal/diarize"
	"github.com/tiroq/whisperrec/internal/fileutil"
	"github.com/tiroq/whisperrec/internal/ipc"
	"github.com/tiroq/whisperrec/internal/metrics"
	"github.com/tiroq/whisperrec/internal/segment"
	"github.com/tiroq/whisperrec/internal/statemachine"
	"github.com/tiroq/whisperrec/internal/statusws"
	"github.com/tiroq/whisperrec/internal/transcript"
)

// Mode selects how a diarized recording is turned into per-speaker text.
type Mode string

const (
	// ModeSegments transcribes every speaker segment on its own.
	ModeSegments Mode = "segments"
	// ModeProportional transcribes the whole file once and splits the text
	// across segments by speaking time.
	ModeProportional Mode = "proportional"
	// ModeAuto transcribes per segment unless the timeline has more than
	// Options.MaxSegments segments.
	ModeAuto Mode = "auto"
)

// ParseMode validates s. The empty string means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeSegments:
		return ModeSegments, nil
	case ModeProportional:
		return ModeProportional, nil
	}
	return "", fmt.Errorf("unknown segment mode %q", s)
}

// How the text of a Result was produced.
const (
	PathPerSegment   = "per_segment"
	PathProportional = "proportional"
	PathWholeFile    = "whole_file"
)

// DefaultMaxSegments bounds per-segment transcription in ModeAuto.
const DefaultMaxSegments = 150

// Options configures a Runner.
type Options struct {
	Mode        Mode
	MaxSegments int

	// OutputDir receives transcripts; empty writes next to the recording.
	OutputDir string
	// Formats are transcript.WriteAll formats; empty uses its defaults.
	Formats []string

	Transcribe asr.TranscribeOptions

	// WriteMetadata writes a .meta.json sidecar with the transcripts.
	WriteMetadata bool
	// WriteStatus mirrors progress to the ipc status snapshot.
	WriteStatus bool

	Version string
}

// Publisher receives progress events. *statusws.Hub implements it.
type Publisher interface {
	Publish(statusws.ProgressEvent)
}

// Result describes one finished run.
type Result struct {
	RequestID string
	Source    string
	BasePath  string

	// Path is PathPerSegment, PathProportional or PathWholeFile.
	Path      string
	Document  *transcript.Document
	Segmented *segment.Transcription
	Human     string
	Machine   string
	Outputs   []string

	// DiarizationErr is set when diarization failed and the run recovered
	// through whole-file transcription.
	DiarizationErr error
	States         []statemachine.State
	Started        time.Time
	Finished       time.Time
}

// Runner composes a segment.Processor with a whole-file backend. The backend
// is usually the same instance the processor uses; Run never calls it
// concurrently with itself, but two Runs on one Runner may overlap unless the
// backend is wrapped with asr.Exclusive.
type Runner struct {
	processor *segment.Processor
	backend   asr.Backend
	opts      Options

	logger    logrus.FieldLogger
	diag      *diaglog.Logger
	metrics   *metrics.Recorder
	publisher Publisher
	tracer    trace.Tracer

	newID func() string
}

// NewRunner builds a Runner. A nil logger discards output.
func NewRunner(p *segment.Processor, backend asr.Backend, opts Options, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = DefaultMaxSegments
	}
	return &Runner{
		processor: p,
		backend:   backend,
		opts:      opts,
		logger:    logger.WithField("component", "pipeline"),
		diag:      diaglog.NewNoOp(),
		tracer:    otel.Tracer("github.com/tiroq/whisperrec/internal/pipeline"),
		newID:     uuid.NewString,
	}
}

// SetDiagLog attaches a diagnostic event logger.
func (r *Runner) SetDiagLog(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	r.diag = l
}

// SetMetrics attaches a metrics recorder.
func (r *Runner) SetMetrics(m *metrics.Recorder) { r.metrics = m }

// SetPublisher attaches a progress subscriber.
func (r *Runner) SetPublisher(p Publisher) { r.publisher = p }

// run carries the per-request state of one Run call.
type run struct {
	*Runner
	id      string
	source  string
	sm      *statemachine.Machine
	log     logrus.FieldLogger
	span    trace.Span
	started time.Time

	mu       sync.Mutex
	progress float64
	path     string
	speakers int
}

// Run transcribes audioPath and writes its transcripts. Segment failures and
// diarization failures are recovered; the error return is reserved for a
// failed whole-file transcription, unwritable outputs and cancellation.
func (r *Runner) Run(ctx context.Context, audioPath string) (*Result, error) {
	id := r.newID()
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("audio.path", audioPath),
		attribute.String("pipeline.mode", string(r.opts.Mode)),
	))
	defer span.End()

	x := &run{
		Runner:  r,
		id:      id,
		source:  audioPath,
		sm:      statemachine.New(id),
		log:     r.logger.WithFields(logrus.Fields{"request_id": id, "file": filepath.Base(audioPath)}),
		span:    span,
		started: time.Now(),
	}
	x.sm.SetLogger(r.diag)
	x.sm.OnTransition(x.onTransition)

	r.metrics.RunStarted()
	x.log.WithField("mode", r.opts.Mode).Info("Transcription started")

	res, err := x.execute(ctx)
	x.finish(res, err)
	return res, err
}

func (x *run) execute(ctx context.Context) (*Result, error) {
	res := &Result{
		RequestID: x.id,
		Source:    x.source,
		BasePath:  fileutil.OutputBase(x.opts.OutputDir, x.source),
		Started:   x.started,
	}

	if err := x.sm.To(statemachine.StateDiarizing, "start"); err != nil {
		return nil, err
	}
	tl, err := x.processor.Diarize(ctx, x.source, func(f float64) {
		x.report(math.Min(math.Max(f, 0), 1) * 0.1)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		res.DiarizationErr = err
		_ = x.sm.To(statemachine.StateFailed, err.Error())
		x.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPipeline,
			Event:     diaglog.EventFallbackWholeFile,
			SessionID: x.id,
			Reason:    "diarization_failed",
		})
		return x.wholeFile(ctx, res, nil, "diarization failed")
	}
	x.report(0.1)

	x.mu.Lock()
	x.speakers = tl.SpeakerCount()
	x.mu.Unlock()

	if tl.Len() == 0 {
		_ = x.sm.To(statemachine.StateNoSpeakers, "empty timeline")
		x.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPipeline,
			Event:     diaglog.EventFallbackWholeFile,
			SessionID: x.id,
			Reason:    "no_speakers",
		})
		return x.wholeFile(ctx, res, nil, "no speakers")
	}
	_ = x.sm.To(statemachine.StateSpeakersFound, fmt.Sprintf("%d speakers, %d segments", tl.SpeakerCount(), tl.Len()))

	if !x.perSegment(tl) {
		return x.proportional(ctx, res, tl)
	}

	if err := x.sm.To(statemachine.StatePerSegmentTranscribing, ""); err != nil {
		return nil, err
	}
	tr, err := x.processor.TranscribeSegments(ctx, x.source, tl, func(f float64) {
		// Processor reports (0.1, 0.9] then 1.0; keep 0.9..1.0 for formatting.
		x.report(f * 0.9)
	})
	if err != nil {
		return nil, err
	}

	if tr.AllFailed() {
		x.log.WithField("segments", len(tr.Segments)).Warn("Every segment failed, retrying as whole file")
		x.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPipeline,
			Event:     diaglog.EventFallbackWholeFile,
			SessionID: x.id,
			Reason:    "all_segments_failed",
		})
		t, err := x.transcribeWhole(ctx, "all segments failed")
		if err == nil {
			if approx, aerr := segment.Approximate(asr.TextOf(t), tl); aerr == nil {
				return x.formatSegmented(ctx, res, approx, t.Backend, t.Model, PathProportional)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The placeholders still carry the speaker layout.
		x.log.WithError(err).Warn("Whole-file retry failed, keeping segment placeholders")
	}

	return x.formatSegmented(ctx, res, tr, x.backend.Name(), x.opts.Transcribe.Model, PathPerSegment)
}

func (x *run) formatSegmented(ctx context.Context, res *Result, tr *segment.Transcription, backend, model, path string) (*Result, error) {
	res.Segmented = tr
	doc := transcript.FromSegmented(tr)
	doc.Backend = backend
	doc.Model = model
	return x.format(ctx, res, doc, path)
}

// perSegment decides between true segment transcription and the
// proportional split for a non-empty timeline.
func (x *run) perSegment(tl *diarize.Timeline) bool {
	switch x.opts.Mode {
	case ModeProportional:
		return false
	case ModeAuto:
		return tl.Len() <= x.opts.MaxSegments
	}
	return true
}

// transcribeWhole runs one whole-file transcription. An unusable transcript
// is reported as segment.ErrNoTranscript.
func (x *run) transcribeWhole(ctx context.Context, reason string) (*asr.Transcript, error) {
	if err := x.sm.To(statemachine.StateWholeFileTranscribing, reason); err != nil {
		return nil, err
	}
	x.report(0.5)

	ctx, span := x.tracer.Start(ctx, "pipeline.whole_file")
	defer span.End()
	started := time.Now()
	t, err := x.backend.TranscribeFile(ctx, x.source, x.opts.Transcribe)
	x.metrics.ObserveStage("whole_file", started)
	if err == nil && segment.Unusable(asr.TextOf(t)) {
		err = segment.ErrNoTranscript
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "whole-file transcription failed")
		return nil, fmt.Errorf("whole-file transcription: %w", err)
	}
	x.report(0.9)
	return t, nil
}

// fail records a terminal failure and returns err.
func (x *run) fail(err error) error {
	_ = x.sm.To(statemachine.StateFailed, err.Error())
	return err
}

func (x *run) wholeFile(ctx context.Context, res *Result, tl *diarize.Timeline, reason string) (*Result, error) {
	t, err := x.transcribeWhole(ctx, reason)
	if err != nil {
		return nil, x.fail(err)
	}
	return x.format(ctx, res, transcript.FromTranscript(t, tl), PathWholeFile)
}

func (x *run) proportional(ctx context.Context, res *Result, tl *diarize.Timeline) (*Result, error) {
	t, err := x.transcribeWhole(ctx, "proportional split")
	if err != nil {
		return nil, x.fail(err)
	}
	tr, err := segment.Approximate(asr.TextOf(t), tl)
	if err != nil {
		return nil, x.fail(err)
	}
	return x.formatSegmented(ctx, res, tr, t.Backend, t.Model, PathProportional)
}

// format renders both outputs from doc and writes the requested files.
func (x *run) format(ctx context.Context, res *Result, doc *transcript.Document, path string) (*Result, error) {
	x.mu.Lock()
	x.path = path
	x.mu.Unlock()

	if err := x.sm.To(statemachine.StateFormatting, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	res.Path = path
	res.Document = doc
	res.Human = transcript.FormatHuman(doc)
	res.Machine = transcript.FormatMachine(doc)

	formats := x.opts.Formats
	if len(formats) == 0 {
		formats = []string{transcript.OutputHuman, transcript.OutputLLM}
	}
	if err := transcript.WriteAll(res.BasePath, doc, formats); err != nil {
		return nil, x.fail(err)
	}
	for _, f := range formats {
		res.Outputs = append(res.Outputs, transcript.OutputPath(res.BasePath, f))
	}
	x.metrics.ObserveStage("format", started)
	x.report(0.95)

	if err := x.sm.To(statemachine.StateDone, ""); err != nil {
		return nil, err
	}
	return res, nil
}

// finish records the outcome of a run in every sink.
func (x *run) finish(res *Result, err error) {
	finished := time.Now()
	if res != nil {
		res.Finished = finished
		res.States = x.sm.Path()
	}

	x.mu.Lock()
	path, speakers := x.path, x.speakers
	x.mu.Unlock()

	outcome, words := "ok", 0
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	case res != nil:
		words = res.Document.WordCount()
	}
	if path == "" {
		path = "none"
	}
	x.metrics.RunFinished(path, outcome, words)

	if err != nil {
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, outcome)
		x.log.WithError(err).Error("Transcription failed")
	} else {
		x.span.SetAttributes(attribute.String("pipeline.path", path), attribute.Int("pipeline.words", words))
		x.log.WithFields(logrus.Fields{
			"path":     path,
			"speakers": speakers,
			"words":    words,
			"elapsed":  finished.Sub(x.started).Round(time.Millisecond).String(),
		}).Info("Transcription finished")
	}

	x.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventPipelineDone,
		SessionID: x.id,
		Reason:    errString(err),
		Payload: map[string]interface{}{
			"path":     path,
			"outcome":  outcome,
			"words":    words,
			"speakers": speakers,
		},
	})

	if x.opts.WriteMetadata {
		x.writeMetadata(res, err, path, finished)
	}

	ev := statusws.ProgressEvent{
		RequestID: x.id,
		File:      x.source,
		State:     string(x.sm.State()),
		Progress:  1.0,
		Path:      path,
		Speakers:  speakers,
		Error:     errString(err),
		Final:     true,
	}
	if err != nil {
		ev.Progress = x.currentProgress()
	}
	x.emit(ev, res)
}

func (x *run) writeMetadata(res *Result, runErr error, path string, finished time.Time) {
	meta := &fileutil.TranscriptionMetadata{
		Version:    x.opts.Version,
		RequestID:  x.id,
		SourceFile: x.source,
		StartedAt:  x.started,
		FinishedAt: finished,
		Duration:   finished.Sub(x.started).Round(time.Millisecond).String(),
		DurationMs: finished.Sub(x.started).Milliseconds(),
		Path:       path,
		Backend:    x.backend.Name(),
		Model:      x.opts.Transcribe.Model,
		Success:    runErr == nil,
		Error:      errString(runErr),
	}
	base := fileutil.OutputBase(x.opts.OutputDir, x.source)
	if res != nil {
		base = res.BasePath
		doc := res.Document
		meta.Language = doc.Language
		meta.Speakers = doc.SpeakerCount()
		meta.AverageConfidence = doc.AverageConfidence
		meta.Outputs = res.Outputs
		if doc.Backend != "" {
			meta.Backend = doc.Backend
		}
		if doc.Model != "" {
			meta.Model = doc.Model
		}
		if res.Segmented != nil {
			meta.Segments = len(res.Segmented.Segments)
			meta.FailedSegments = res.Segmented.FailedCount()
		}
		if res.DiarizationErr != nil {
			meta.DiarizationError = res.DiarizationErr.Error()
		}
	}
	// The sidecar sits with the transcripts, named after the recording.
	if err := fileutil.WriteMetadata(base+filepath.Ext(x.source), meta); err != nil {
		x.log.WithError(err).Warn("Failed to write metadata sidecar")
	}
}

func (x *run) onTransition(t statemachine.Transition) {
	x.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	))
	x.log.WithFields(logrus.Fields{"from": t.From, "to": t.To, "reason": t.Reason}).Debug("State transition")
	x.emit(statusws.ProgressEvent{
		RequestID: x.id,
		File:      x.source,
		State:     string(t.To),
		Progress:  x.currentProgress(),
		Message:   t.Reason,
	}, nil)
}

// report publishes progress, never moving backwards.
func (x *run) report(f float64) {
	x.mu.Lock()
	if f <= x.progress {
		x.mu.Unlock()
		return
	}
	x.progress = f
	x.mu.Unlock()

	x.emit(statusws.ProgressEvent{
		RequestID: x.id,
		File:      x.source,
		State:     string(x.sm.State()),
		Progress:  f,
	}, nil)
}

func (x *run) currentProgress() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.progress
}

// emit fills the shared fields of ev and sends it to the publisher and, when
// enabled, the status snapshot.
func (x *run) emit(ev statusws.ProgressEvent, res *Result) {
	x.mu.Lock()
	if ev.Path == "" {
		ev.Path = x.path
	}
	if ev.Speakers == 0 {
		ev.Speakers = x.speakers
	}
	x.mu.Unlock()
	ev.Timestamp = time.Now()

	if x.publisher != nil {
		x.publisher.Publish(ev)
	}
	if !x.opts.WriteStatus {
		return
	}
	snap := &ipc.StatusSnapshot{
		RequestID: ev.RequestID,
		File:      ev.File,
		State:     ev.State,
		Progress:  ev.Progress,
		Path:      ev.Path,
		Speakers:  ev.Speakers,
		LastError: ev.Error,
		Timestamp: ev.Timestamp,
	}
	if res != nil && len(res.Outputs) > 0 {
		snap.LastOutput = res.Outputs[0]
	}
	if err := ipc.WriteStatus(snap); err != nil {
		x.log.WithError(err).Debug("Failed to write status snapshot")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
