package audio

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a script that records its arguments and writes a small
// file to its last argument.
func fakeFFmpeg(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	bin = filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\nfor a; do out=$a; done\n" + body
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func sourceFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "meeting.m4a")
	require.NoError(t, os.WriteFile(p, []byte("fake"), 0o644))
	return p
}

func TestFFmpegExtractor_Args(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, "head -c 200 /dev/zero > \"$out\"\n")
	x := &FFmpegExtractor{Binary: bin, TempDir: t.TempDir()}
	src := sourceFile(t)

	out, err := x.Extract(context.Background(), src, 1500*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	defer os.Remove(out)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.TrimSpace(string(raw))
	assert.Contains(t, args, "-ss 1.500 -t 2.000 -i "+src)
	assert.Contains(t, args, "-ac 1 -ar 16000 -f wav")
	assert.True(t, strings.HasSuffix(args, out))
}

func TestFFmpegExtractor_MissingBinary(t *testing.T) {
	x := &FFmpegExtractor{Binary: filepath.Join(t.TempDir(), "nope")}

	_, err := x.Extract(context.Background(), sourceFile(t), 0, time.Second)
	assert.ErrorIs(t, err, ErrExportSessionCreationFailed)
}

func TestFFmpegExtractor_Failure(t *testing.T) {
	bin, _ := fakeFFmpeg(t, "echo 'Invalid data found when processing input' >&2\nexit 1\n")
	dir := t.TempDir()
	x := &FFmpegExtractor{Binary: bin, TempDir: dir}

	_, err := x.Extract(context.Background(), sourceFile(t), 0, time.Second)
	assert.ErrorIs(t, err, ErrExportFailed)
	assert.Contains(t, err.Error(), "Invalid data found")

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestFFmpegExtractor_EmptyOutput(t *testing.T) {
	bin, _ := fakeFFmpeg(t, "head -c 44 /dev/zero > \"$out\"\n")
	x := &FFmpegExtractor{Binary: bin, TempDir: t.TempDir()}

	_, err := x.Extract(context.Background(), sourceFile(t), 0, time.Second)
	assert.ErrorIs(t, err, ErrExportFailed)
}

func TestFFmpegExtractor_Cancelled(t *testing.T) {
	bin, _ := fakeFFmpeg(t, "exec sleep 5\n")
	x := &FFmpegExtractor{Binary: bin, TempDir: t.TempDir()}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := x.Extract(ctx, sourceFile(t), 0, time.Second)
	assert.ErrorIs(t, err, ErrExportCancelled)
}
