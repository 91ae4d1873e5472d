package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/diarize"
)

// Reply is one scripted FakeBackend response.
type Reply struct {
	Text string
	Err  error
}

// FakeBackend is an asr.Backend that answers calls from a script, in order.
// Once the script is exhausted the last reply repeats. It records the paths
// it was asked to transcribe and whether each file existed at call time.
type FakeBackend struct {
	BackendName string
	Replies     []Reply

	mu      sync.Mutex
	calls   int
	paths   []string
	existed []bool
	active  int
	maxSeen int
}

// NewFakeBackend returns a backend that replies with texts in order.
func NewFakeBackend(texts ...string) *FakeBackend {
	b := &FakeBackend{BackendName: "fake"}
	for _, t := range texts {
		b.Replies = append(b.Replies, Reply{Text: t})
	}
	return b
}

func (b *FakeBackend) Name() string {
	if b.BackendName == "" {
		return "fake"
	}
	return b.BackendName
}

func (b *FakeBackend) TranscribeFile(ctx context.Context, path string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	_, statErr := os.Stat(path)
	b.paths = append(b.paths, path)
	b.existed = append(b.existed, statErr == nil)
	var r Reply
	if len(b.Replies) > 0 {
		r = b.Replies[min(b.calls, len(b.Replies)-1)]
	}
	b.calls++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &asr.Transcript{
		Segments: []asr.Segment{{Text: r.Text}},
		Backend:  b.Name(),
		Model:    "fake-model",
	}, nil
}

func (b *FakeBackend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	return &asr.HealthStatus{OK: true, Backend: b.Name(), Message: "fake"}, nil
}

// Calls returns how many times TranscribeFile ran.
func (b *FakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Paths returns the paths passed to TranscribeFile, in call order.
func (b *FakeBackend) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

// AllInputsExisted reports whether every input file existed when transcribed.
func (b *FakeBackend) AllInputsExisted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ok := range b.existed {
		if !ok {
			return false
		}
	}
	return true
}

// MaxConcurrent returns the highest number of overlapping calls observed.
func (b *FakeBackend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeen
}

// FakeDiarizer returns a fixed timeline or error, optionally reporting the
// given progress steps first.
type FakeDiarizer struct {
	Segments []diarize.Segment
	Err      error
	Steps    []float64
	Delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (d *FakeDiarizer) Diarize(ctx context.Context, audioPath string, progress diarize.ProgressFunc) (*diarize.Timeline, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	for _, s := range d.Steps {
		if progress != nil {
			progress(s)
		}
	}
	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Delay):
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	return diarize.NewTimeline(d.Segments), nil
}

// Calls returns how many times Diarize ran.
func (d *FakeDiarizer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// FakeExtractor writes a small placeholder file per call into Dir. Calls
// whose 1-based index is in FailOn return an error instead.
type FakeExtractor struct {
	Dir    string
	FailOn map[int]error

	mu      sync.Mutex
	calls   int
	created []string
}

func (x *FakeExtractor) Extract(ctx context.Context, src string, start, duration time.Duration) (string, error) {
	x.mu.Lock()
	x.calls++
	n := x.calls
	x.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err, ok := x.FailOn[n]; ok {
		return "", err
	}
	path := filepath.Join(x.Dir, fmt.Sprintf("segment-%03d.wav", n))
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%s %s+%s", src, start, duration)), 0644); err != nil {
		return "", err
	}
	x.mu.Lock()
	x.created = append(x.created, path)
	x.mu.Unlock()
	return path, nil
}

// Created returns every file the extractor produced.
func (x *FakeExtractor) Created() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.created...)
}
