package googlestt

import (
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tiroq/whisperrec/internal/asr"
)

type word struct {
	text       string
	start, end time.Duration
	speaker    int32
	confidence float32
}

func encodingFor(path string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func toDuration(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.AsDuration()
}

// transcriptSegments turns each result's top alternative into one segment.
func transcriptSegments(resp *speechpb.LongRunningRecognizeResponse, lang string) []asr.Segment {
	var segs []asr.Segment
	var prevEnd time.Duration
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if text == "" {
			continue
		}
		end := toDuration(r.GetResultEndTime())
		language := r.GetLanguageCode()
		if language == "" {
			language = lang
		}
		segs = append(segs, asr.Segment{
			Start:    prevEnd,
			End:      end,
			Text:     text,
			Language: language,
			Score:    float64(alt.GetConfidence()),
		})
		prevEnd = end
	}
	return segs
}

// diarizedWords returns the words of the last result, which carries the
// speaker tags for the whole recording when diarization is enabled.
func diarizedWords(resp *speechpb.LongRunningRecognizeResponse) []word {
	results := resp.GetResults()
	for i := len(results) - 1; i >= 0; i-- {
		alts := results[i].GetAlternatives()
		if len(alts) == 0 || len(alts[0].GetWords()) == 0 {
			continue
		}
		var out []word
		for _, w := range alts[0].GetWords() {
			if w.GetSpeakerTag() == 0 {
				continue
			}
			out = append(out, word{
				text:       w.GetWord(),
				start:      toDuration(w.GetStartTime()),
				end:        toDuration(w.GetEndTime()),
				speaker:    w.GetSpeakerTag(),
				confidence: w.GetConfidence(),
			})
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

type speakerRun struct {
	speaker    int32
	start, end time.Duration
	words      []string
}

// groupBySpeaker merges consecutive words of the same speaker into runs.
func groupBySpeaker(words []word) []speakerRun {
	var runs []speakerRun
	for _, w := range words {
		if n := len(runs); n > 0 && runs[n-1].speaker == w.speaker {
			if w.end > runs[n-1].end {
				runs[n-1].end = w.end
			}
			runs[n-1].words = append(runs[n-1].words, w.text)
			continue
		}
		runs = append(runs, speakerRun{speaker: w.speaker, start: w.start, end: w.end, words: []string{w.text}})
	}
	return runs
}
