package transcript

import (
	"fmt"
	"strings"
	"time"
)

const (
	machineHeader     = "CONVERSATION TRANSCRIPT"
	machineTerminator = "END OF TRANSCRIPT"

	approximateNote = "Note: speaker attribution is approximate (whole-file transcript split by speaking time, not time-aligned)."
)

// FormatHuman renders a readable transcript: a speaker summary, one block
// per segment (or a single full-transcript block), and a chronological
// timeline of every diarized segment.
func FormatHuman(d *Document) string {
	var b strings.Builder
	tl := d.Timeline

	if tl.SpeakerCount() > 0 {
		fmt.Fprintf(&b, "Speakers detected: %d\n", tl.SpeakerCount())
		for i, id := range tl.UniqueSpeakers() {
			fmt.Fprintf(&b, "  Speaker %d: %s speaking, %d segment(s)\n",
				i+1, seconds(tl.SpeakingTime(id)), len(tl.SegmentsFor(id)))
		}
	} else {
		b.WriteString("Speakers detected: 1 (no diarization)\n")
	}
	if d.Approximate {
		b.WriteString(approximateNote + "\n")
	}
	b.WriteString("\n")

	if d.Segmented() {
		for _, l := range d.Lines {
			fmt.Fprintf(&b, "[Speaker %d] [%s-%s]: %s\n", l.Speaker, seconds(l.Start), seconds(l.End), l.Text)
		}
	} else {
		b.WriteString("Full Transcript:\n")
		b.WriteString(d.FullText)
		b.WriteString("\n")
	}

	if tl.Len() > 0 {
		b.WriteString("\nTimeline:\n")
		for _, s := range tl.Segments() {
			fmt.Fprintf(&b, "[%s-%s] Speaker %d (%s)\n",
				seconds(s.Start), seconds(s.End), tl.DisplayIndex(s.SpeakerID), seconds(s.Duration()))
		}
	}
	return b.String()
}

// FormatMachine renders a compact transcript for language-model input: a
// header, one "[start] SPEAKER_n: text" line per segment, and a terminator.
// Without per-segment lines the whole text is a single SPEAKER_1 line at 0.0s.
func FormatMachine(d *Document) string {
	var b strings.Builder
	b.WriteString(machineHeader + "\n")
	fmt.Fprintf(&b, "Speakers: %d\n", d.SpeakerCount())

	if d.Segmented() {
		if d.Approximate {
			b.WriteString(approximateNote + "\n")
		}
		for _, l := range d.Lines {
			fmt.Fprintf(&b, "[%s] SPEAKER_%d: %s\n", seconds(l.Start), l.Speaker, oneLine(l.Text))
		}
	} else {
		fmt.Fprintf(&b, "[0.0s] SPEAKER_1: %s\n", cleanText(d.FullText))
	}

	b.WriteString(machineTerminator + "\n")
	return b.String()
}

// oneLine collapses all whitespace, newlines included, to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText strips human-format decoration and collapses whitespace.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Full Transcript:")
	return oneLine(s)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
