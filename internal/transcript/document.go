// Package transcript renders transcription results for people and for
// downstream language-model consumers, and writes them to disk.
package transcript

import (
	"strings"
	"time"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/diarize"
	"github.com/tiroq/whisperrec/internal/segment"
)

// Line is one speaker-attributed span of text.
type Line struct {
	SpeakerID string
	Speaker   int // 1-based display index, 0 when unattributed
	Start     time.Duration
	End       time.Duration
	Text      string
	Failed    bool
}

// Document is the single source both renderings are built from. Either
// Lines holds per-segment results, or FullText holds one whole-file
// transcript.
type Document struct {
	Timeline *diarize.Timeline
	Lines    []Line
	FullText string

	// Cues are time-coded pieces of a whole-file transcript as reported by
	// the backend. Used only for subtitle output when Lines is empty.
	Cues []Line

	// Approximate marks Lines derived by splitting a whole-file transcript.
	Approximate bool

	Language          string
	Backend           string
	Model             string
	AverageConfidence float64
}

// FromSegmented builds a document from per-segment results.
func FromSegmented(tr *segment.Transcription) *Document {
	if tr == nil {
		return &Document{}
	}
	tl := tr.Timeline
	if tl == nil {
		segs := make([]diarize.Segment, len(tr.Segments))
		for i, s := range tr.Segments {
			segs[i] = s.Segment
		}
		tl = diarize.NewTimeline(segs)
	}

	doc := &Document{
		Timeline:          tl,
		Approximate:       tr.Approximate,
		AverageConfidence: tr.AverageConfidence(),
		Lines:             make([]Line, 0, len(tr.Segments)),
	}
	langs := make(map[string]int)
	for _, s := range tr.Segments {
		doc.Lines = append(doc.Lines, Line{
			SpeakerID: s.Segment.SpeakerID,
			Speaker:   tl.DisplayIndex(s.Segment.SpeakerID),
			Start:     s.Segment.Start,
			End:       s.Segment.End,
			Text:      strings.TrimSpace(s.Text),
			Failed:    s.Failed,
		})
		if !s.Failed {
			langs[s.Language]++
		}
	}
	doc.Language = dominant(langs)
	return doc
}

// FromWholeFile builds a document around one whole-file transcript. tl may
// be nil when no diarization result exists.
func FromWholeFile(text string, tl *diarize.Timeline) *Document {
	return &Document{
		Timeline:          tl,
		FullText:          strings.TrimSpace(text),
		Language:          segment.DetectLanguage(text),
		AverageConfidence: segment.EstimateConfidence(text),
	}
}

// FromTranscript is FromWholeFile for a backend transcript, keeping the
// backend's own timing for subtitle output.
func FromTranscript(t *asr.Transcript, tl *diarize.Timeline) *Document {
	doc := FromWholeFile(asr.TextOf(t), tl)
	if t == nil {
		return doc
	}
	doc.Backend = t.Backend
	doc.Model = t.Model
	if t.Language != "" {
		doc.Language = t.Language
	}
	if score := asr.AverageScore(t); score >= 0 {
		doc.AverageConfidence = score
	}
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			doc.Cues = append(doc.Cues, Line{Start: s.Start, End: s.End, Text: txt})
		}
	}
	return doc
}

// Segmented reports whether the document holds per-segment lines.
func (d *Document) Segmented() bool {
	return len(d.Lines) > 0
}

// SpeakerCount is the number of distinct speakers in a segmented document,
// and 1 otherwise.
func (d *Document) SpeakerCount() int {
	if d.Segmented() && d.Timeline.SpeakerCount() > 0 {
		return d.Timeline.SpeakerCount()
	}
	return 1
}

// Text returns the plain transcript text with speaker markers removed.
func (d *Document) Text() string {
	if !d.Segmented() {
		return d.FullText
	}
	parts := make([]string, 0, len(d.Lines))
	for _, l := range d.Lines {
		if !l.Failed && l.Text != "" {
			parts = append(parts, l.Text)
		}
	}
	return strings.Join(parts, " ")
}

// WordCount counts words in Text.
func (d *Document) WordCount() int {
	return len(strings.Fields(d.Text()))
}

// timedLines returns the lines used by time-coded formats.
func (d *Document) timedLines() []Line {
	switch {
	case d.Segmented():
		return d.Lines
	case len(d.Cues) > 0:
		return d.Cues
	case d.FullText != "":
		var end time.Duration
		if d.Timeline.Len() > 0 {
			end = d.Timeline.At(d.Timeline.Len() - 1).End
		}
		return []Line{{End: end, Text: d.FullText}}
	}
	return nil
}

func dominant(counts map[string]int) string {
	best, n := "", 0
	for lang, c := range counts {
		if c > n || (c == n && lang < best) {
			best, n = lang, c
		}
	}
	return best
}
