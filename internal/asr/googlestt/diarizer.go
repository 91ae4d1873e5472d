package googlestt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/whisperrec/internal/diarize"
)

var _ diarize.Diarizer = (*Diarizer)(nil)

// Diarizer derives a speaker timeline from Cloud Speech word speaker tags.
type Diarizer struct {
	b *Backend
}

// NewDiarizer returns a diarizer sharing b's client and settings.
func NewDiarizer(b *Backend) *Diarizer {
	return &Diarizer{b: b}
}

// Diarize runs recognition with diarization enabled and groups consecutive
// words of the same speaker tag into segments named SPEAKER_<tag>.
func (d *Diarizer) Diarize(ctx context.Context, audioPath string, progress diarize.ProgressFunc) (*diarize.Timeline, error) {
	started := time.Now()
	resp, err := d.b.recognize(ctx, audioPath, d.b.recognitionConfig(audioPath, "", true))
	if err != nil {
		return nil, fmt.Errorf("google_stt: diarize: %w", err)
	}

	runs := groupBySpeaker(diarizedWords(resp))
	segs := make([]diarize.Segment, 0, len(runs))
	for _, r := range runs {
		segs = append(segs, diarize.Segment{
			SpeakerID: "SPEAKER_" + strconv.Itoa(int(r.speaker)),
			Start:     r.start,
			End:       r.end,
		})
	}
	tl := diarize.NewTimeline(segs)

	d.b.logger.WithFields(logrus.Fields{
		"segments": tl.Len(),
		"speakers": tl.SpeakerCount(),
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Info("Diarization completed")

	if progress != nil {
		progress(1.0)
	}
	return tl, nil
}
