// Package localwhisper runs a whisper CLI (whisper.cpp or faster-whisper
// wrappers emitting JSON on stdout) as a subprocess.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/whisperrec/internal/asr"
)

// Config configures the local whisper CLI backend.
type Config struct {
	BinaryPath     string // path to whisper-cpp or faster-whisper CLI
	ModelPath      string // path to .bin model file
	Model          string // model name (e.g., "small", "base")
	Threads        int    // CPU threads (0 = auto)
	TimeoutSeconds int    // default 300 (5 minutes for long recordings)
}

// Backend shells out to a whisper CLI binary for local transcription.
// One process runs per call, so the backend itself is reentrant; callers
// still wrap it in asr.Exclusive to keep a single model resident.
type Backend struct {
	cfg    Config
	logger logrus.FieldLogger
}

// NewBackend creates a new local whisper backend with the given config.
func NewBackend(cfg Config, logger logrus.FieldLogger) *Backend {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Backend{cfg: cfg, logger: logger.WithField("backend", "local_whisper")}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "local_whisper"
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// TranscribeFile invokes the whisper CLI subprocess to transcribe an audio
// file. The process group is killed when ctx ends or the configured timeout
// elapses.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	if _, err := os.Stat(b.cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("localwhisper: binary not found at %q: %w", b.cfg.BinaryPath, err)
	}

	args := b.buildArgs(filePath, opts)
	cmd := exec.Command(b.cfg.BinaryPath, args...)

	// Use process group so we can kill the entire tree on timeout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to start subprocess: %w", err)
	}

	var mu sync.Mutex
	var killReason string
	kill := func(reason string) {
		mu.Lock()
		if killReason == "" {
			killReason = reason
		}
		mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	timer := time.AfterFunc(time.Duration(b.cfg.TimeoutSeconds)*time.Second, func() { kill("timeout") })
	stopWatch := context.AfterFunc(ctx, func() { kill("cancelled") })

	err := cmd.Wait()
	timer.Stop()
	stopWatch()

	if err != nil {
		mu.Lock()
		reason := killReason
		mu.Unlock()
		switch reason {
		case "timeout":
			return nil, fmt.Errorf("localwhisper: transcription timed out after %d seconds", b.cfg.TimeoutSeconds)
		case "cancelled":
			return nil, fmt.Errorf("localwhisper: %w", ctx.Err())
		}
		return nil, fmt.Errorf("localwhisper: subprocess failed: %w: %s", err, tail(stderr.String(), 300))
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to parse JSON output: %w", err)
	}

	transcript := &asr.Transcript{
		Language: output.Language,
		Model:    b.resolveModel(opts),
		Backend:  b.Name(),
	}

	for _, seg := range output.Segments {
		transcript.Segments = append(transcript.Segments, asr.Segment{
			Start: floatToDuration(seg.Start),
			End:   floatToDuration(seg.End),
			Text:  seg.Text,
			Score: seg.Score,
		})
	}

	if len(transcript.Segments) > 0 {
		transcript.Duration = transcript.Segments[len(transcript.Segments)-1].End
	}

	text := asr.TextOf(transcript)
	switch {
	case text == "" || strings.EqualFold(text, "No speech detected"):
		return nil, asr.ErrNoSpeech
	case strings.HasPrefix(text, "Error:"):
		return nil, fmt.Errorf("localwhisper: %s", text)
	}

	b.logger.WithFields(logrus.Fields{
		"segments": len(transcript.Segments),
		"language": transcript.Language,
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Debug("Transcription finished")

	return transcript, nil
}

// HealthCheck verifies the whisper binary exists, is executable, and responds.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{
		Backend: b.Name(),
	}

	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", b.cfg.BinaryPath, err)
		return status, nil
	}
	if info.Mode()&0111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", b.cfg.BinaryPath)
		return status, nil
	}

	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", b.cfg.ModelPath, err)
			return status, nil
		}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, b.cfg.BinaryPath, "--help")
	err = cmd.Run()
	status.Latency = time.Since(start)

	// --help may exit non-zero on some binaries; we just need it to execute
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			status.Message = fmt.Sprintf("binary failed to execute: %v", err)
			return status, nil
		}
	}

	status.OK = true
	status.Message = "binary is available and executable"
	return status, nil
}

func (b *Backend) buildArgs(filePath string, opts asr.TranscribeOptions) []string {
	var args []string

	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}

	args = append(args, "--output-json")

	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}

	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}

	args = append(args, filePath)
	return args
}

// resolveModel returns the model name, preferring opts over config.
func (b *Backend) resolveModel(opts asr.TranscribeOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.cfg.Model
}

func floatToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
