// Package audio cuts time windows out of recordings so each speaker segment
// can be transcribed on its own.
package audio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrExportSessionCreationFailed means the source could not be opened or
	// no export backend is available.
	ErrExportSessionCreationFailed = errors.New("audio: export session creation failed")
	// ErrExportFailed means the backend ran but produced no usable output.
	ErrExportFailed = errors.New("audio: export failed")
	// ErrExportCancelled means the caller's context ended mid-export.
	ErrExportCancelled = errors.New("audio: export cancelled")
)

// ExtractError records which step of an extraction failed.
type ExtractError struct {
	Op     string
	Source string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("audio %s %s: %v", e.Op, filepath.Base(e.Source), e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extractor produces a standalone audio file holding exactly the samples in
// [start, start+duration) of src. The returned file is a temporary file owned
// by the caller, who must remove it when done.
type Extractor interface {
	Extract(ctx context.Context, src string, start, duration time.Duration) (string, error)
}

// Auto uses the native WAV slicer for .wav sources and falls back to ffmpeg
// for everything else, or when the WAV encoding is not supported natively.
type Auto struct {
	WAV    *WAVExtractor
	FFmpeg *FFmpegExtractor
}

// NewAuto returns an Auto extractor writing segments into tempDir.
func NewAuto(tempDir, ffmpegBin string) *Auto {
	return &Auto{
		WAV:    &WAVExtractor{TempDir: tempDir},
		FFmpeg: &FFmpegExtractor{Binary: ffmpegBin, TempDir: tempDir},
	}
}

func (a *Auto) Extract(ctx context.Context, src string, start, duration time.Duration) (string, error) {
	if strings.EqualFold(filepath.Ext(src), ".wav") && a.WAV != nil {
		out, err := a.WAV.Extract(ctx, src, start, duration)
		if err == nil || a.FFmpeg == nil || !errors.Is(err, errUnsupportedFormat) {
			return out, err
		}
	}
	if a.FFmpeg == nil {
		return "", &ExtractError{Op: "open", Source: src, Err: ErrExportSessionCreationFailed}
	}
	return a.FFmpeg.Extract(ctx, src, start, duration)
}

func validateWindow(src string, start, duration time.Duration) error {
	if start < 0 || duration <= 0 {
		return &ExtractError{
			Op:     "validate",
			Source: src,
			Err:    fmt.Errorf("%w: invalid window start=%s duration=%s", ErrExportFailed, start, duration),
		}
	}
	return nil
}
