// Package asr defines the speech-recognition capability the pipeline calls
// into, and the helpers for composing backends.
package asr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoSpeech is returned by backends that can tell the input held no speech.
var ErrNoSpeech = errors.New("asr: no speech detected")

// Segment represents a single transcribed segment with timing.
type Segment struct {
	Start    time.Duration
	End      time.Duration
	Text     string
	Language string
	Score    float64 // confidence 0.0–1.0
	Speaker  string  // set only by backends that diarize
}

// Transcript represents a complete transcription result.
type Transcript struct {
	Segments []Segment
	Language string
	Duration time.Duration
	Model    string
	Backend  string
}

// TranscribeOptions configures a transcription request.
type TranscribeOptions struct {
	Language   string // "" = auto-detect
	Model      string // backend-specific model name
	Timestamps bool
	MaxSegLen  int // max segment length in seconds
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool
	Backend string
	Message string
	Latency time.Duration
}

// Backend is the interface that ASR backends must implement.
type Backend interface {
	Name() string
	TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// TextOf joins the transcript's segment texts with single spaces.
func TextOf(t *Transcript) string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// AverageScore returns the mean segment score, or -1 when no segment
// reports one.
func AverageScore(t *Transcript) float64 {
	if t == nil {
		return -1
	}
	var sum float64
	var n int
	for _, s := range t.Segments {
		if s.Score > 0 {
			sum += s.Score
			n++
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

// exclusive serializes calls into a backend that is not safe for concurrent use.
type exclusive struct {
	sem chan struct{}
	b   Backend
}

// Exclusive wraps b so that at most one TranscribeFile call runs at a time.
// Waiting callers give up when their context ends.
func Exclusive(b Backend) Backend {
	if _, ok := b.(*exclusive); ok {
		return b
	}
	return &exclusive{sem: make(chan struct{}, 1), b: b}
}

func (e *exclusive) Name() string { return e.b.Name() }

func (e *exclusive) TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()
	return e.b.TranscribeFile(ctx, filePath, opts)
}

func (e *exclusive) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return e.b.HealthCheck(ctx)
}
