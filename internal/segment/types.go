// Package segment turns a speaker timeline into per-speaker text, either by
// transcribing every segment on its own or by splitting one whole-file
// transcript across the timeline.
package segment

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tiroq/whisperrec/internal/diarize"
)

// Placeholder texts recorded for segments that could not be transcribed.
const (
	TextTranscriptionFailed = "[Transcription failed]"
	TextExtractionFailed    = "[Audio extraction failed]"
)

// LanguageUnknown is the language tag of a failed segment.
const LanguageUnknown = "unknown"

var (
	// ErrDiarization wraps any failure of the diarization step.
	ErrDiarization = errors.New("segment: diarization failed")

	// ErrNoTranscript is returned when a whole-file transcript carries no
	// usable text to distribute across the timeline.
	ErrNoTranscript = errors.New("segment: no whole-file transcript to split")
)

// ProcessedSegment is the transcription result for one timeline segment.
type ProcessedSegment struct {
	Segment    diarize.Segment `json:"segment"`
	Text       string          `json:"text"`
	Language   string          `json:"language"`
	Confidence float64         `json:"confidence"`
	Failed     bool            `json:"failed,omitempty"`
}

// Transcription bundles the processed segments of one recording with the
// timeline they came from. Segments are in timeline order.
type Transcription struct {
	Segments []ProcessedSegment
	Timeline *diarize.Timeline

	// Approximate is set when Segments were produced by splitting a
	// whole-file transcript rather than transcribing each segment.
	Approximate bool
}

// CombinedText renders every segment as "[speakerID] text", ordered by start
// time and joined by newlines.
func (t *Transcription) CombinedText() string {
	if t == nil || len(t.Segments) == 0 {
		return ""
	}
	segs := make([]ProcessedSegment, len(t.Segments))
	copy(segs, t.Segments)
	sort.SliceStable(segs, func(i, j int) bool {
		return segs[i].Segment.Start < segs[j].Segment.Start
	})

	lines := make([]string, len(segs))
	for i, s := range segs {
		lines[i] = fmt.Sprintf("[%s] %s", s.Segment.SpeakerID, s.Text)
	}
	return strings.Join(lines, "\n")
}

// AverageConfidence is the mean segment confidence, or 0 with no segments.
func (t *Transcription) AverageConfidence() float64 {
	if t == nil || len(t.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.Segments {
		sum += s.Confidence
	}
	return sum / float64(len(t.Segments))
}

// FailedCount returns how many segments hold a placeholder.
func (t *Transcription) FailedCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, s := range t.Segments {
		if s.Failed {
			n++
		}
	}
	return n
}

// AllFailed reports whether there was at least one segment and none of them
// produced text.
func (t *Transcription) AllFailed() bool {
	return t != nil && len(t.Segments) > 0 && t.FailedCount() == len(t.Segments)
}

// WordCount counts whitespace-separated words across successful segments.
func (t *Transcription) WordCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, s := range t.Segments {
		if !s.Failed {
			n += len(strings.Fields(s.Text))
		}
	}
	return n
}

func failedSegment(seg diarize.Segment, placeholder string) ProcessedSegment {
	return ProcessedSegment{
		Segment:  seg,
		Text:     placeholder,
		Language: LanguageUnknown,
		Failed:   true,
	}
}

func transcribedSegment(seg diarize.Segment, text string) ProcessedSegment {
	return ProcessedSegment{
		Segment:    seg,
		Text:       text,
		Language:   DetectLanguage(text),
		Confidence: EstimateConfidence(text),
	}
}
