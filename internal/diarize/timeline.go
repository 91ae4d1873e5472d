// Package diarize holds the speaker timeline produced for one recording and the
// pluggable diarization capability that produces it.
package diarize

import (
	"sort"
	"time"
)

// Segment is one continuous span of audio attributed to a single speaker.
// Start and End are offsets from the beginning of the recording.
type Segment struct {
	SpeakerID string        `json:"speaker_id"`
	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end"`
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Timeline is the immutable result of diarizing one recording. Segments are
// sorted ascending by Start and never overlap.
type Timeline struct {
	segments []Segment
	speakers []string
}

// NewTimeline builds a Timeline from raw diarization output. Segments are
// sorted by start time; segments with End <= Start are dropped; a segment that
// overlaps its predecessor is clipped to start where the predecessor ends (and
// dropped if nothing is left). The input slice is not modified.
func NewTimeline(segs []Segment) *Timeline {
	sorted := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.End > s.Start {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	out := make([]Segment, 0, len(sorted))
	for _, s := range sorted {
		if n := len(out); n > 0 && s.Start < out[n-1].End {
			s.Start = out[n-1].End
			if s.End <= s.Start {
				continue
			}
		}
		out = append(out, s)
	}

	seen := make(map[string]bool)
	var speakers []string
	for _, s := range out {
		if !seen[s.SpeakerID] {
			seen[s.SpeakerID] = true
			speakers = append(speakers, s.SpeakerID)
		}
	}
	return &Timeline{segments: out, speakers: speakers}
}

// Segments returns a copy of the ordered segments.
func (t *Timeline) Segments() []Segment {
	if t == nil {
		return nil
	}
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Len returns the number of segments.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.segments)
}

// At returns the i-th segment in timeline order.
func (t *Timeline) At(i int) Segment {
	return t.segments[i]
}

// UniqueSpeakers returns distinct speaker IDs in first-appearance order.
func (t *Timeline) UniqueSpeakers() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.speakers))
	copy(out, t.speakers)
	return out
}

// SpeakerCount returns the number of distinct speakers.
func (t *Timeline) SpeakerCount() int {
	if t == nil {
		return 0
	}
	return len(t.speakers)
}

// SpeakingTime returns the summed duration of every segment attributed to id.
func (t *Timeline) SpeakingTime(id string) time.Duration {
	var total time.Duration
	for _, s := range t.SegmentsFor(id) {
		total += s.Duration()
	}
	return total
}

// SegmentsFor returns the segments attributed to id, preserving timeline order.
func (t *Timeline) SegmentsFor(id string) []Segment {
	if t == nil {
		return nil
	}
	var out []Segment
	for _, s := range t.segments {
		if s.SpeakerID == id {
			out = append(out, s)
		}
	}
	return out
}

// TotalSpeakingTime returns the summed duration of all segments.
func (t *Timeline) TotalSpeakingTime() time.Duration {
	if t == nil {
		return 0
	}
	var total time.Duration
	for _, s := range t.segments {
		total += s.Duration()
	}
	return total
}

// DisplayIndex returns the 1-based position of id in UniqueSpeakers, or 0 if
// id never speaks in this timeline.
func (t *Timeline) DisplayIndex(id string) int {
	if t == nil {
		return 0
	}
	for i, s := range t.speakers {
		if s == id {
			return i + 1
		}
	}
	return 0
}
