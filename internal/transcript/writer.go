package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Output formats accepted by WriteAll.
const (
	OutputText  = "txt"
	OutputSRT   = "srt"
	OutputVTT   = "vtt"
	OutputHuman = "human"
	OutputLLM   = "llm"
	OutputJSON  = "json"
)

var extensions = map[string]string{
	OutputText:  ".txt",
	OutputSRT:   ".srt",
	OutputVTT:   ".vtt",
	OutputHuman: ".transcript.txt",
	OutputLLM:   ".llm.txt",
	OutputJSON:  ".segments.json",
}

// KnownFormat reports whether WriteAll understands format.
func KnownFormat(format string) bool {
	_, ok := extensions[format]
	return ok
}

// OutputPath returns the file WriteAll writes for format.
func OutputPath(basePath, format string) string {
	return basePath + extensions[format]
}

// WriteText writes one line per segment, each prefixed by its start time in
// [HH:MM:SS] form and, when known, the speaker.
func WriteText(path string, d *Document) error {
	var b strings.Builder
	for _, l := range d.timedLines() {
		fmt.Fprintf(&b, "[%s] %s\n", formatTextTimestamp(l.Start), cueText(l))
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteSRT writes a SubRip (.srt) subtitle file. Each segment is numbered
// sequentially with start/end timestamps in HH:MM:SS,mmm format.
func WriteSRT(path string, d *Document) error {
	var b strings.Builder
	for i, l := range d.timedLines() {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(l.Start), formatSRTTimestamp(l.End))
		fmt.Fprintf(&b, "%s\n", cueText(l))
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteVTT writes a WebVTT (.vtt) subtitle file. Speakers are carried as
// voice spans.
func WriteVTT(path string, d *Document) error {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, l := range d.timedLines() {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(l.Start), formatVTTTimestamp(l.End))
		if l.Speaker > 0 {
			fmt.Fprintf(&b, "<v Speaker %d>%s\n", l.Speaker, l.Text)
		} else {
			fmt.Fprintf(&b, "%s\n", l.Text)
		}
	}
	return atomicWrite(path, []byte(b.String()))
}

type jsonSpeaker struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	SpeakingTime float64 `json:"speaking_time_s"`
	Segments     int     `json:"segments"`
}

type jsonLine struct {
	Speaker   string  `json:"speaker,omitempty"`
	SpeakerID string  `json:"speaker_id,omitempty"`
	Start     float64 `json:"start_s"`
	End       float64 `json:"end_s"`
	Text      string  `json:"text"`
	Failed    bool    `json:"failed,omitempty"`
}

type jsonDocument struct {
	Speakers          []jsonSpeaker `json:"speakers"`
	Segments          []jsonLine    `json:"segments"`
	FullText          string        `json:"full_text,omitempty"`
	Approximate       bool          `json:"approximate"`
	Language          string        `json:"language,omitempty"`
	Backend           string        `json:"backend,omitempty"`
	Model             string        `json:"model,omitempty"`
	AverageConfidence float64       `json:"average_confidence"`
}

// WriteJSON writes the structured document: speakers, per-segment lines and
// the whole-file text when there are no segments.
func WriteJSON(path string, d *Document) error {
	out := jsonDocument{
		Speakers:          []jsonSpeaker{},
		Segments:          []jsonLine{},
		Approximate:       d.Approximate,
		Language:          d.Language,
		Backend:           d.Backend,
		Model:             d.Model,
		AverageConfidence: d.AverageConfidence,
	}
	tl := d.Timeline
	for i, id := range tl.UniqueSpeakers() {
		out.Speakers = append(out.Speakers, jsonSpeaker{
			ID:           id,
			Label:        fmt.Sprintf("SPEAKER_%d", i+1),
			SpeakingTime: tl.SpeakingTime(id).Seconds(),
			Segments:     len(tl.SegmentsFor(id)),
		})
	}
	for _, l := range d.Lines {
		jl := jsonLine{
			SpeakerID: l.SpeakerID,
			Start:     l.Start.Seconds(),
			End:       l.End.Seconds(),
			Text:      l.Text,
			Failed:    l.Failed,
		}
		if l.Speaker > 0 {
			jl.Speaker = fmt.Sprintf("SPEAKER_%d", l.Speaker)
		}
		out.Segments = append(out.Segments, jl)
	}
	if !d.Segmented() {
		out.FullText = d.FullText
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling transcript: %w", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// WriteAll writes the document in every requested format. basePath is the
// file path without extension (e.g. "/recordings/2024-01-15_meeting").
// Supported formats: txt, srt, vtt, human, llm, json. If formats is nil or
// empty, defaults to ["human", "llm"]. Returns a combined error listing all
// failures.
func WriteAll(basePath string, d *Document, formats []string) error {
	if len(formats) == 0 {
		formats = []string{OutputHuman, OutputLLM}
	}
	var errs []string
	for _, f := range formats {
		path := OutputPath(basePath, f)
		var err error
		switch f {
		case OutputText:
			err = WriteText(path, d)
		case OutputSRT:
			err = WriteSRT(path, d)
		case OutputVTT:
			err = WriteVTT(path, d)
		case OutputHuman:
			err = atomicWrite(path, []byte(FormatHuman(d)))
		case OutputLLM:
			err = atomicWrite(path, []byte(FormatMachine(d)))
		case OutputJSON:
			err = WriteJSON(path, d)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("transcript write errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func cueText(l Line) string {
	if l.Speaker > 0 {
		return fmt.Sprintf("Speaker %d: %s", l.Speaker, l.Text)
	}
	return l.Text
}

// formatTextTimestamp formats a duration as HH:MM:SS for plain text output.
func formatTextTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatSRTTimestamp formats a duration as HH:MM:SS,mmm (SRT subtitle format).
func formatSRTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatVTTTimestamp formats a duration as HH:MM:SS.mmm (WebVTT format).
func formatVTTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// atomicWrite writes data to path atomically using a temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming transcript: %w", err)
	}
	return nil
}
