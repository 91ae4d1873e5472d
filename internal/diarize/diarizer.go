package diarize

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when no diarization result could be obtained in
// time. Callers treat it as "diarization unavailable" and transcribe the whole
// file instead.
var ErrUnavailable = errors.New("diarize: diarization unavailable")

// ProgressFunc receives fractional progress in [0, 1]. It may be called from
// any goroutine.
type ProgressFunc func(fraction float64)

// Diarizer partitions a recording into per-speaker segments.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, progress ProgressFunc) (*Timeline, error)
}

// DiarizerFunc adapts an ordinary function to the Diarizer interface.
type DiarizerFunc func(ctx context.Context, audioPath string, progress ProgressFunc) (*Timeline, error)

// Diarize calls f.
func (f DiarizerFunc) Diarize(ctx context.Context, audioPath string, progress ProgressFunc) (*Timeline, error) {
	return f(ctx, audioPath, progress)
}

type timeoutDiarizer struct {
	inner   Diarizer
	timeout time.Duration
}

// WithTimeout bounds how long callers wait for d. The wait ends after timeout
// even if d ignores context cancellation; the late result is discarded.
func WithTimeout(d Diarizer, timeout time.Duration) Diarizer {
	if timeout <= 0 {
		return d
	}
	return &timeoutDiarizer{inner: d, timeout: timeout}
}

type diarizeResult struct {
	tl  *Timeline
	err error
}

func (d *timeoutDiarizer) Diarize(ctx context.Context, audioPath string, progress ProgressFunc) (*Timeline, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan diarizeResult, 1)
	go func() {
		tl, err := d.inner.Diarize(ctx, audioPath, progress)
		done <- diarizeResult{tl: tl, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrUnavailable, d.timeout)
		}
		return r.tl, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrUnavailable, d.timeout)
		}
		return nil, ctx.Err()
	}
}
