package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// PyannoteConfig configures the pyannote.audio diarization script runner.
type PyannoteConfig struct {
	Python      string // interpreter, default "python3"
	ScriptPath  string // path to speaker_diarization.py
	Model       string // e.g. "pyannote/speaker-diarization-3.1"
	MinSpeakers int    // 0 = let the model decide
	MaxSpeakers int    // 0 = let the model decide
	HFToken     string // exported as HUGGINGFACE_TOKEN for gated models

	// PollInterval controls how often the progress file is read. Default 500ms.
	PollInterval time.Duration
}

// Pyannote runs the pyannote diarization script as a subprocess and parses the
// JSON result file it writes.
type Pyannote struct {
	cfg    PyannoteConfig
	logger logrus.FieldLogger
}

// NewPyannote returns a script-backed Diarizer.
func NewPyannote(cfg PyannoteConfig, logger logrus.FieldLogger) *Pyannote {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Pyannote{cfg: cfg, logger: logger.WithField("component", "pyannote")}
}

// pyannoteOutput mirrors the JSON document written by the script.
type pyannoteOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Results struct {
		Segments []struct {
			SpeakerID string  `json:"speaker_id"`
			StartTime float64 `json:"start_time"`
			EndTime   float64 `json:"end_time"`
		} `json:"segments"`
		SpeakerCount int `json:"speaker_count"`
	} `json:"results"`
}

// Diarize runs the script on audioPath. Progress written by the script to its
// progress file is forwarded to progress while the subprocess runs.
func (p *Pyannote) Diarize(ctx context.Context, audioPath string, progress ProgressFunc) (*Timeline, error) {
	if p.cfg.ScriptPath == "" {
		return nil, errors.New("pyannote: script path not configured")
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("pyannote: audio not readable: %w", err)
	}

	workDir, err := os.MkdirTemp("", "whisperrec-diarize-*")
	if err != nil {
		return nil, fmt.Errorf("pyannote: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	outPath := filepath.Join(workDir, "diarization.json")
	progressPath := filepath.Join(workDir, "progress.json")

	cmd := exec.CommandContext(ctx, p.cfg.Python, p.buildArgs(audioPath, outPath, progressPath)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	if p.cfg.HFToken != "" {
		cmd.Env = append(cmd.Env, "HUGGINGFACE_TOKEN="+p.cfg.HFToken)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pyannote: start: %w", err)
	}

	stopPoll := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		p.pollProgress(progressPath, progress, stopPoll)
	}()

	waitErr := cmd.Wait()
	close(stopPoll)
	<-pollDone

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("pyannote: %w", ctxErr)
	}

	out, parseErr := readPyannoteOutput(outPath)
	if parseErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("pyannote: script failed: %w: %s", waitErr, truncate(stderr.String(), 300))
		}
		return nil, parseErr
	}
	if !out.Success {
		return nil, fmt.Errorf("pyannote: %s", out.Error)
	}

	segs := make([]Segment, 0, len(out.Results.Segments))
	for _, s := range out.Results.Segments {
		segs = append(segs, Segment{
			SpeakerID: s.SpeakerID,
			Start:     secondsToDuration(s.StartTime),
			End:       secondsToDuration(s.EndTime),
		})
	}
	tl := NewTimeline(segs)

	p.logger.WithFields(logrus.Fields{
		"audio":    filepath.Base(audioPath),
		"segments": tl.Len(),
		"speakers": tl.SpeakerCount(),
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Info("Diarization completed")

	if progress != nil {
		progress(1.0)
	}
	return tl, nil
}

func (p *Pyannote) buildArgs(audioPath, outPath, progressPath string) []string {
	args := []string{p.cfg.ScriptPath, audioPath, "--output", outPath, "--progress-file", progressPath}
	if p.cfg.Model != "" {
		args = append(args, "--model", p.cfg.Model)
	}
	if p.cfg.MinSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(p.cfg.MinSpeakers))
	}
	if p.cfg.MaxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(p.cfg.MaxSpeakers))
	}
	return args
}

// pollProgress reads the script's progress file until stop is closed.
func (p *Pyannote) pollProgress(path string, progress ProgressFunc, stop <-chan struct{}) {
	if progress == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	last := -1.0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var v struct {
				Progress float64 `json:"progress"`
			}
			if json.Unmarshal(data, &v) != nil || v.Progress <= last {
				continue
			}
			last = v.Progress
			progress(v.Progress)
		}
	}
}

func readPyannoteOutput(path string) (*pyannoteOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pyannote: read output: %w", err)
	}
	var out pyannoteOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("pyannote: parse output: %w", err)
	}
	return &out, nil
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
