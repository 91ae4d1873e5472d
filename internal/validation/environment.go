// Package validation checks that the tools and services a configuration
// depends on are present, and suggests fixes for common failures.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/audio"
	"github.com/tiroq/whisperrec/internal/config"
	"github.com/tiroq/whisperrec/internal/diarize"
)

// ValidationResult contains the result of an environment check
type ValidationResult struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

func (r *ValidationResult) merge(o *ValidationResult, messages *[]string) {
	if !o.OK {
		r.OK = false
	}
	r.Issues = append(r.Issues, o.Issues...)
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Fixes = append(r.Fixes, o.Fixes...)
	if o.Message != "" {
		*messages = append(*messages, o.Message)
	}
}

var ffmpegVersionRe = regexp.MustCompile(`ffmpeg version n?(\d+)\.(\d+)`)

// ValidateFFmpegVersion checks the first line of `ffmpeg -version`.
// Builds without a numeric version (git snapshots) are accepted with a
// warning.
func ValidateFFmpegVersion(output string) *ValidationResult {
	result := &ValidationResult{OK: true}

	matches := ffmpegVersionRe.FindStringSubmatch(output)
	if len(matches) < 3 {
		result.Message = "ffmpeg version could not be parsed"
		result.Warnings = append(result.Warnings, "Unrecognised ffmpeg version output")
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	// Segment cutting relies on -ss/-t accuracy introduced in 4.0.
	if major < 4 {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("ffmpeg %d.%d is too old (requires 4.0+)", major, minor))
		result.Fixes = append(result.Fixes, "Install ffmpeg 4.0 or later (e.g. brew install ffmpeg, apt install ffmpeg)")
		result.Message = fmt.Sprintf("ffmpeg %d.%d requires update to 4.0+", major, minor)
		return result
	}

	result.Message = fmt.Sprintf("ffmpeg %d.%d is compatible", major, minor)
	return result
}

// CheckFFmpeg locates bin and validates its version. A missing ffmpeg is a
// warning: WAV recordings are cut natively without it.
func CheckFFmpeg(ctx context.Context, bin string) *ValidationResult {
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return &ValidationResult{
			OK:       true,
			Message:  "ffmpeg not found",
			Warnings: []string{fmt.Sprintf("%s not found on PATH: only WAV recordings can be split per speaker", bin)},
			Fixes:    []string{"Install ffmpeg to transcribe mp3, m4a and video recordings per segment"},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return &ValidationResult{
			OK:      false,
			Message: "ffmpeg failed to run",
			Issues:  []string{fmt.Sprintf("%s -version failed: %v", path, err)},
			Fixes:   []string{"Reinstall ffmpeg"},
		}
	}
	return ValidateFFmpegVersion(string(out))
}

// CheckExecutable reports whether bin resolves on PATH (or as a path).
func CheckExecutable(label, bin, fix string) *ValidationResult {
	result := &ValidationResult{OK: true}
	if bin == "" {
		result.OK = false
		result.Message = label + " not configured"
		result.Issues = append(result.Issues, label+" is not configured")
		result.Fixes = append(result.Fixes, fix)
		return result
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		result.OK = false
		result.Message = label + " not found"
		result.Issues = append(result.Issues, fmt.Sprintf("%s %q not found", label, bin))
		result.Fixes = append(result.Fixes, fix)
		return result
	}
	result.Message = fmt.Sprintf("%s found at %s", label, path)
	return result
}

// CheckFile reports whether path names a readable regular file.
func CheckFile(label, path, fix string) *ValidationResult {
	result := &ValidationResult{OK: true}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		result.OK = false
		result.Message = label + " missing"
		result.Issues = append(result.Issues, fmt.Sprintf("%s %q does not exist", label, path))
		result.Fixes = append(result.Fixes, fix)
		return result
	}
	result.Message = label + " present"
	return result
}

// CheckBackend runs the backend's health check.
func CheckBackend(ctx context.Context, b asr.Backend) *ValidationResult {
	result := &ValidationResult{OK: true}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	health, err := b.HealthCheck(ctx)
	if err != nil || health == nil || !health.OK {
		msg := "no response"
		switch {
		case err != nil:
			msg = err.Error()
		case health != nil:
			msg = health.Message
		}
		result.OK = false
		result.Message = fmt.Sprintf("ASR backend %s unhealthy", b.Name())
		result.Issues = append(result.Issues, fmt.Sprintf("%s: %s", b.Name(), msg))
		result.Fixes = append(result.Fixes, SuggestedFixes(errors.New(msg))...)
		return result
	}
	result.Message = fmt.Sprintf("ASR backend %s healthy (%s)", health.Backend, health.Latency.Round(time.Millisecond))
	return result
}

// CheckEnvironment checks everything cfg needs. backend may be nil to skip
// the live health check.
func CheckEnvironment(ctx context.Context, cfg *config.Config, backend asr.Backend) *ValidationResult {
	result := &ValidationResult{OK: true}
	var messages []string

	result.merge(CheckFFmpeg(ctx, cfg.Pipeline.FFmpeg), &messages)

	for _, name := range []string{cfg.ASR.Backend, cfg.ASR.FallbackBackend} {
		switch name {
		case config.BackendLocalWhisper:
			lw := cfg.ASR.LocalWhisper
			result.merge(CheckExecutable("whisper binary", lw.Binary,
				"Install whisper.cpp and set asr.local_whisper.binary"), &messages)
			if lw.ModelPath != "" {
				result.merge(CheckFile("whisper model", lw.ModelPath,
					"Download a ggml model and set asr.local_whisper.model_path"), &messages)
			}
		case config.BackendGoogleSTT:
			g := cfg.ASR.GoogleSTT
			switch {
			case g.APIKey != "":
			case g.CredentialsFile != "":
				result.merge(CheckFile("Google credentials", g.CredentialsFile,
					"Set GOOGLE_APPLICATION_CREDENTIALS to a service account JSON file"), &messages)
			default:
				result.Warnings = append(result.Warnings, "No Google credentials configured: relying on application default credentials")
			}
		}
	}

	if d := cfg.Diarization; d.Enabled && d.Backend == config.DiarizerPyannote {
		result.merge(CheckExecutable("python", d.Python,
			"Install Python 3 with pyannote.audio, or set diarization.python"), &messages)
		result.merge(CheckFile("diarization script", d.Script,
			"Set diarization.script to the speaker_diarization.py path"), &messages)
		if d.HFToken == "" {
			result.Warnings = append(result.Warnings, "HUGGINGFACE_TOKEN is not set: gated pyannote models will fail to load")
		}
	}

	if dir := cfg.Pipeline.OutputDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			result.OK = false
			result.Issues = append(result.Issues, fmt.Sprintf("output directory %s: %v", dir, err))
			result.Fixes = append(result.Fixes, "Choose a writable pipeline.output_dir")
		}
	}

	if backend != nil {
		result.merge(CheckBackend(ctx, backend), &messages)
	}

	result.Message = strings.Join(messages, " | ")
	if result.OK {
		result.Message = "Environment check passed: " + result.Message
	} else {
		result.Message = "Environment check FAILED: " + result.Message
	}
	return result
}

// SuggestedFixes returns user-facing troubleshooting steps for a failed run.
func SuggestedFixes(err error) []string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, diarize.ErrUnavailable):
		return []string{
			"Diarization did not finish in time; the recording was transcribed as a whole",
			"Raise diarization.timeout_seconds (max 300) or pass a smaller speaker range",
		}
	case errors.Is(err, asr.ErrNoSpeech):
		return []string{
			"The backend found no speech in the recording",
			"Check the recording is not silent and the input device was correct",
		}
	case errors.Is(err, audio.ErrExportSessionCreationFailed):
		return []string{
			"Segments could not be cut from the recording",
			"Install ffmpeg or convert the recording to 16-bit PCM WAV",
		}
	case errors.Is(err, exec.ErrNotFound):
		return []string{
			"A required program is not on PATH",
			"Run `whisperrec doctor` to see which one",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return []string{
			"The backend timed out",
			"Raise the backend timeout_seconds or use a smaller model",
		}
	case strings.Contains(msg, "http 401"), strings.Contains(msg, "http 403"):
		return []string{
			"The remote Whisper API rejected the credentials",
			"Check WHISPERREC_REMOTE_TOKEN",
		}
	case strings.Contains(msg, "connection refused"):
		return []string{
			"The remote Whisper API is not reachable",
			"Check asr.remote_whisper.base_url and that the service is running",
		}
	}
	return []string{
		fmt.Sprintf("Error: %s", msg),
		"Run with WHISPERREC_DEBUG=true and attach the output of `whisperrec export-diag`",
	}
}
