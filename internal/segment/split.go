package segment

import (
	"math"
	"strings"

	"github.com/tiroq/whisperrec/internal/diarize"
)

// SplitProportionally distributes the words of wholeText over the segments of
// tl, giving each segment a share proportional to its duration (at least one
// word). Words left over at the end go to the last segment, so every word is
// emitted exactly once. The result is a text heuristic, not an alignment.
//
// An unusable transcript or an empty timeline yields nil.
func SplitProportionally(wholeText string, tl *diarize.Timeline) []string {
	if tl.Len() == 0 || Unusable(wholeText) {
		return nil
	}

	words := strings.Fields(wholeText)
	total := tl.TotalSpeakingTime()
	out := make([]string, tl.Len())

	cursor := 0
	for i := 0; i < tl.Len(); i++ {
		n := 1
		if total > 0 {
			share := float64(len(words)) * float64(tl.At(i).Duration()) / float64(total)
			n = max(1, int(math.Round(share)))
		}
		end := min(cursor+n, len(words))
		out[i] = strings.Join(words[cursor:end], " ")
		cursor = end
	}

	if cursor < len(words) {
		last := len(out) - 1
		rest := strings.Join(words[cursor:], " ")
		if out[last] == "" {
			out[last] = rest
		} else {
			out[last] += " " + rest
		}
	}
	return out
}

// Approximate builds a Transcription from one whole-file transcript by
// splitting it across tl. It returns ErrNoTranscript when the text is
// unusable or tl has no segments.
func Approximate(wholeText string, tl *diarize.Timeline) (*Transcription, error) {
	texts := SplitProportionally(wholeText, tl)
	if texts == nil {
		return nil, ErrNoTranscript
	}
	segs := make([]ProcessedSegment, len(texts))
	for i, text := range texts {
		segs[i] = transcribedSegment(tl.At(i), text)
	}
	return &Transcription{Segments: segs, Timeline: tl, Approximate: true}, nil
}
