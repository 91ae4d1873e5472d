package googlestt

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func w(text string, start, end float64, tag int32) *speechpb.WordInfo {
	return &speechpb.WordInfo{Word: text, StartTime: sec(start), EndTime: sec(end), SpeakerTag: tag}
}

func TestDiarizer_GroupsWordsBySpeakerTag(t *testing.T) {
	rec := &fakeRecognizer{resp: &speechpb.LongRunningRecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			// interim result without tags is ignored
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hi how are you", Words: []*speechpb.WordInfo{w("hi", 0, 0.4, 0)}}}},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Words: []*speechpb.WordInfo{
				w("hi", 0, 0.4, 1),
				w("there", 0.4, 0.9, 1),
				w("hello", 1.2, 1.6, 2),
				w("back", 1.6, 2.0, 2),
				w("great", 2.5, 3.0, 1),
			}}}},
		},
	}}
	b := newTestBackend(t, rec)

	var got []float64
	tl, err := NewDiarizer(b).Diarize(context.Background(), audioFile(t), func(f float64) { got = append(got, f) })
	require.NoError(t, err)

	require.Equal(t, 3, tl.Len())
	assert.Equal(t, "SPEAKER_1", tl.At(0).SpeakerID)
	assert.Equal(t, 900*time.Millisecond, tl.At(0).End)
	assert.Equal(t, "SPEAKER_2", tl.At(1).SpeakerID)
	assert.Equal(t, 1200*time.Millisecond, tl.At(1).Start)
	assert.Equal(t, []string{"SPEAKER_1", "SPEAKER_2"}, tl.UniqueSpeakers())
	assert.Equal(t, []float64{1.0}, got)

	dc := rec.last.GetConfig().GetDiarizationConfig()
	require.NotNil(t, dc)
	assert.True(t, dc.GetEnableSpeakerDiarization())
	assert.Equal(t, int32(2), dc.GetMinSpeakerCount())
	assert.Equal(t, int32(3), dc.GetMaxSpeakerCount())
	assert.True(t, rec.last.GetConfig().GetEnableWordTimeOffsets())
}

func TestDiarizer_NoWordsGivesEmptyTimeline(t *testing.T) {
	b := newTestBackend(t, &fakeRecognizer{resp: &speechpb.LongRunningRecognizeResponse{}})

	tl, err := NewDiarizer(b).Diarize(context.Background(), audioFile(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tl.Len())
}

func TestDiarizer_ContextCancelled(t *testing.T) {
	b := newTestBackend(t, &fakeRecognizer{resp: &speechpb.LongRunningRecognizeResponse{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDiarizer(b).Diarize(ctx, audioFile(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
