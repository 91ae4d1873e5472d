package segment

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/audio"
	"github.com/tiroq/whisperrec/internal/diarize"
	"github.com/tiroq/whisperrec/internal/metrics"
	"github.com/tiroq/whisperrec/testutil"
)

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, f)
}

func (p *progressLog) assertMonotonic(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.values)
	for i := 1; i < len(p.values); i++ {
		assert.GreaterOrEqual(t, p.values[i], p.values[i-1], "progress went backwards at %d: %v", i, p.values)
	}
	assert.Equal(t, 1.0, p.values[len(p.values)-1])
}

func twoSpeakers() []diarize.Segment {
	return []diarize.Segment{
		{SpeakerID: "A", Start: sec(0), End: sec(5)},
		{SpeakerID: "B", Start: sec(5), End: sec(8)},
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	d := &testutil.FakeDiarizer{Segments: twoSpeakers(), Steps: []float64{0.5, 1.0}}
	x := &testutil.FakeExtractor{Dir: t.TempDir()}
	b := testutil.NewFakeBackend("hello world", "goodbye now friend")

	var progress progressLog
	p := NewProcessor(d, x, b, nil)
	tr, err := p.Process(context.Background(), "meeting.wav", progress.record)
	require.NoError(t, err)

	assert.Equal(t, "[A] hello world\n[B] goodbye now friend", tr.CombinedText())
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, "en", tr.Segments[0].Language)
	assert.InDelta(t, 0.36, tr.Segments[0].Confidence, 1e-9)
	assert.False(t, tr.Approximate)
	assert.Equal(t, 2, tr.Timeline.SpeakerCount())
	progress.assertMonotonic(t)

	// Every segment file existed while transcribed and is gone afterwards.
	assert.True(t, b.AllInputsExisted())
	require.Len(t, x.Created(), 2)
	for _, f := range x.Created() {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err), "temp file %s left behind", f)
	}
}

func TestProcess_TranscriptionFailureOnSecondOfThree(t *testing.T) {
	segs := append(twoSpeakers(), diarize.Segment{SpeakerID: "A", Start: sec(8), End: sec(12)})
	d := &testutil.FakeDiarizer{Segments: segs}
	x := &testutil.FakeExtractor{Dir: t.TempDir()}
	b := &testutil.FakeBackend{Replies: []testutil.Reply{
		{Text: "first part"},
		{Err: errors.New("model crashed")},
		{Text: "third part"},
	}}

	rec := metrics.New()
	p := NewProcessor(d, x, b, nil)
	p.SetMetrics(rec)

	tr, err := p.Process(context.Background(), "meeting.wav", nil)
	require.NoError(t, err)
	require.Len(t, tr.Segments, 3)

	failed := tr.Segments[1]
	assert.Equal(t, TextTranscriptionFailed, failed.Text)
	assert.Equal(t, 0.0, failed.Confidence)
	assert.Equal(t, LanguageUnknown, failed.Language)
	assert.True(t, failed.Failed)
	assert.Equal(t, "B", failed.Segment.SpeakerID)

	assert.Equal(t, "first part", tr.Segments[0].Text)
	assert.Equal(t, "third part", tr.Segments[2].Text)
	assert.Equal(t, 3, b.Calls())
	for _, f := range x.Created() {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestProcess_ExtractionFailureKeepsGoing(t *testing.T) {
	d := &testutil.FakeDiarizer{Segments: twoSpeakers()}
	x := &testutil.FakeExtractor{
		Dir:    t.TempDir(),
		FailOn: map[int]error{1: &audio.ExtractError{Op: "open", Source: "meeting.wav", Err: audio.ErrExportSessionCreationFailed}},
	}
	b := testutil.NewFakeBackend("only the second")

	logger, hook := logtest.NewNullLogger()
	p := NewProcessor(d, x, b, logger)
	tr, err := p.Process(context.Background(), "meeting.wav", nil)
	require.NoError(t, err)
	require.Len(t, tr.Segments, 2)

	assert.Equal(t, TextExtractionFailed, tr.Segments[0].Text)
	assert.Equal(t, LanguageUnknown, tr.Segments[0].Language)
	assert.Equal(t, "only the second", tr.Segments[1].Text)
	assert.Equal(t, 1, b.Calls(), "backend must not be called for a segment whose extraction failed")

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Segment extraction failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestProcess_ZeroSegmentsIsSuccess(t *testing.T) {
	d := &testutil.FakeDiarizer{}
	b := testutil.NewFakeBackend("unused")

	var progress progressLog
	tr, err := NewProcessor(d, &testutil.FakeExtractor{Dir: t.TempDir()}, b, nil).
		Process(context.Background(), "silence.wav", progress.record)
	require.NoError(t, err)
	assert.Empty(t, tr.Segments)
	require.NotNil(t, tr.Timeline)
	assert.Empty(t, tr.Timeline.Segments())
	assert.Equal(t, 0, b.Calls())
	progress.assertMonotonic(t)
}

func TestProcess_DiarizationFailure(t *testing.T) {
	cause := errors.New("pyannote exploded")
	d := &testutil.FakeDiarizer{Err: cause}
	b := testutil.NewFakeBackend("unused")

	_, err := NewProcessor(d, &testutil.FakeExtractor{Dir: t.TempDir()}, b, nil).
		Process(context.Background(), "meeting.wav", nil)
	assert.ErrorIs(t, err, ErrDiarization)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, b.Calls())
}

func TestProcess_DiarizationTimeoutIsUnavailable(t *testing.T) {
	d := diarize.WithTimeout(&testutil.FakeDiarizer{Segments: twoSpeakers(), Delay: sec(5)}, sec(0.02))

	_, err := NewProcessor(d, &testutil.FakeExtractor{Dir: t.TempDir()}, testutil.NewFakeBackend("x"), nil).
		Process(context.Background(), "meeting.wav", nil)
	assert.ErrorIs(t, err, ErrDiarization)
	assert.ErrorIs(t, err, diarize.ErrUnavailable)
}

func TestProcess_DiarizerProgressIsScaled(t *testing.T) {
	d := &testutil.FakeDiarizer{Segments: twoSpeakers(), Steps: []float64{0.5, 0.2, 2.0}}
	var progress progressLog
	_, err := NewProcessor(d, &testutil.FakeExtractor{Dir: t.TempDir()}, testutil.NewFakeBackend("a b"), nil).
		Process(context.Background(), "meeting.wav", progress.record)
	require.NoError(t, err)

	progress.assertMonotonic(t)
	assert.InDelta(t, 0.05, progress.values[0], 1e-9)
	assert.InDelta(t, 0.1, progress.values[1], 1e-9)
	assert.InDelta(t, 0.5, progress.values[2], 1e-9)
	assert.InDelta(t, 0.9, progress.values[3], 1e-9)
}

// cancellingBackend cancels the run after its first call.
type cancellingBackend struct {
	*testutil.FakeBackend
	cancel context.CancelFunc
}

func (c *cancellingBackend) TranscribeFile(ctx context.Context, path string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	tr, err := c.FakeBackend.TranscribeFile(ctx, path, opts)
	c.cancel()
	return tr, err
}

func TestProcess_CancelledBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	segs := append(twoSpeakers(), diarize.Segment{SpeakerID: "C", Start: sec(8), End: sec(9)})
	b := &cancellingBackend{FakeBackend: testutil.NewFakeBackend("first"), cancel: cancel}

	_, err := NewProcessor(&testutil.FakeDiarizer{Segments: segs}, &testutil.FakeExtractor{Dir: t.TempDir()}, b, nil).
		Process(ctx, "meeting.wav", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, b.Calls())
}

func TestProcess_SequentialWithRealExtractor(t *testing.T) {
	src := testutil.WriteWAV(t, "meeting.wav", testutil.WAVSpec{SampleRate: 16000, Channels: 1, BitsPerSample: 16, Frames: 16000 * 3})
	segs := []diarize.Segment{
		{SpeakerID: "A", Start: 0, End: sec(1)},
		{SpeakerID: "B", Start: sec(1), End: sec(2)},
		{SpeakerID: "A", Start: sec(2), End: sec(3)},
	}
	tmp := t.TempDir()
	b := testutil.NewFakeBackend("one", "two", "three")

	tr, err := NewProcessor(&testutil.FakeDiarizer{Segments: segs}, &audio.WAVExtractor{TempDir: tmp}, b, nil).
		Process(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, "[A] one\n[B] two\n[A] three", tr.CombinedText())
	assert.Equal(t, 1, b.MaxConcurrent())
	assert.True(t, b.AllInputsExisted())

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
}
