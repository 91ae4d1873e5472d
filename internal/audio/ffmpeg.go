package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FFmpegExtractor re-encodes a time window of any container ffmpeg can read
// into mono 16 kHz WAV.
type FFmpegExtractor struct {
	Binary  string // default "ffmpeg"
	TempDir string
	Logger  logrus.FieldLogger
}

func (x *FFmpegExtractor) binary() string {
	if x.Binary == "" {
		return "ffmpeg"
	}
	return x.Binary
}

func (x *FFmpegExtractor) logger() logrus.FieldLogger {
	if x.Logger != nil {
		return x.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (x *FFmpegExtractor) Extract(ctx context.Context, src string, start, duration time.Duration) (string, error) {
	if err := validateWindow(src, start, duration); err != nil {
		return "", err
	}
	bin, err := exec.LookPath(x.binary())
	if err != nil {
		return "", &ExtractError{Op: "open", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}
	if _, err := os.Stat(src); err != nil {
		return "", &ExtractError{Op: "open", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}

	out, err := os.CreateTemp(x.TempDir, "segment-*.wav")
	if err != nil {
		return "", &ExtractError{Op: "create", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}
	outPath := out.Name()
	out.Close()

	// ffmpeg -y -ss start -t dur -i input -ac 1 -ar 16000 -f wav output
	cmd := exec.CommandContext(ctx, bin,
		"-y", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", src,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		os.Remove(outPath)
		return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: %w", ErrExportCancelled, ctx.Err())}
	}
	if runErr != nil {
		os.Remove(outPath)
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: ffmpeg: %v: %s", ErrExportFailed, runErr, msg)}
	}

	// A header-only file means the window was past the end of the input.
	if st, err := os.Stat(outPath); err != nil || st.Size() <= 44 {
		os.Remove(outPath)
		return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: empty output", ErrExportFailed)}
	}

	x.logger().WithFields(logrus.Fields{
		"start":    start.String(),
		"duration": duration.String(),
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Debug("Segment extracted with ffmpeg")
	return outPath, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
