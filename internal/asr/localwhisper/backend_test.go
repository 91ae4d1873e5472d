package localwhisper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/whisperrec/internal/asr"
)

// writeFakeScript creates a shell script in the temp dir that stands in for
// the whisper binary.
func writeFakeScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func fakeInput(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "test.wav")
	require.NoError(t, os.WriteFile(p, []byte("fake audio"), 0644))
	return p
}

func echoJSON(t *testing.T, dir, body string) string {
	return writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '"+body+"'\n")
}

func TestName(t *testing.T) {
	assert.Equal(t, "local_whisper", NewBackend(Config{}, nil).Name())
}

func TestTranscribeFile_Success(t *testing.T) {
	dir := t.TempDir()
	binPath := echoJSON(t, dir, `{"segments": [{"start": 0.0, "end": 5.2, "text": "Hello world", "score": 0.95}, {"start": 5.2, "end": 10.0, "text": "Second segment", "score": 0.88}], "language": "en"}`)

	b := NewBackend(Config{BinaryPath: binPath, Model: "small", TimeoutSeconds: 10}, nil)

	transcript, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "local_whisper", transcript.Backend)
	assert.Equal(t, "en", transcript.Language)
	assert.Equal(t, "small", transcript.Model)
	require.Len(t, transcript.Segments, 2)

	seg := transcript.Segments[0]
	assert.Equal(t, "Hello world", seg.Text)
	assert.Equal(t, 0.95, seg.Score)
	assert.Equal(t, time.Duration(0), seg.Start)
	assert.Equal(t, time.Duration(5.2*float64(time.Second)), seg.End)
	assert.Equal(t, 10*time.Second, transcript.Duration)
	assert.Equal(t, "Hello world Second segment", asr.TextOf(transcript))
}

func TestTranscribeFile_BinaryNotFound(t *testing.T) {
	b := NewBackend(Config{BinaryPath: "/nonexistent/whisper-binary", TimeoutSeconds: 5}, nil)

	_, err := b.TranscribeFile(context.Background(), "/some/file.wav", asr.TranscribeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
}

func TestTranscribeFile_Timeout(t *testing.T) {
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	b := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 1}, nil)

	start := time.Now()
	_, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTranscribeFile_ContextCancelKillsProcess(t *testing.T) {
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	b := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 60}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.TranscribeFile(ctx, fakeInput(t, dir), asr.TranscribeOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTranscribeFile_NonZeroExitIncludesStderr(t *testing.T) {
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho 'failed to load model' >&2\nexit 3\n")

	b := NewBackend(Config{BinaryPath: binPath}, nil)
	_, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load model")
}

func TestTranscribeFile_NoSpeech(t *testing.T) {
	cases := map[string]string{
		"empty":    `{"segments": [], "language": "en"}`,
		"sentinel": `{"segments": [{"start": 0, "end": 1, "text": "No speech detected"}], "language": "en"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			b := NewBackend(Config{BinaryPath: echoJSON(t, dir, body)}, nil)

			_, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
			assert.ErrorIs(t, err, asr.ErrNoSpeech)
		})
	}
}

func TestTranscribeFile_ErrorText(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend(Config{BinaryPath: echoJSON(t, dir, `{"segments": [{"start": 0, "end": 1, "text": "Error: model not loaded"}]}`)}, nil)

	_, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, asr.ErrNoSpeech)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestTranscribeFile_OptsModelOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	binPath := echoJSON(t, dir, `{"segments": [{"start": 0, "end": 1, "text": "hi"}], "language": "en"}`)

	b := NewBackend(Config{BinaryPath: binPath, Model: "base", TimeoutSeconds: 10}, nil)

	transcript, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{Model: "large"})
	require.NoError(t, err)
	assert.Equal(t, "large", transcript.Model)
}

func TestHealthCheck_BinaryExists(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/bin/echo"}, nil).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK, status.Message)
	assert.Equal(t, "local_whisper", status.Backend)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestHealthCheck_MissingBinary(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/nonexistent/whisper"}, nil).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "binary not found")
}

func TestHealthCheck_MissingModel(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/bin/echo", ModelPath: "/nonexistent/model.bin"}, nil).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "model not found")
}

func TestHealthCheck_NotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-exec")
	require.NoError(t, os.WriteFile(path, []byte("not a binary"), 0644))

	status, err := NewBackend(Config{BinaryPath: path}, nil).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "not executable")
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, 300, NewBackend(Config{}, nil).cfg.TimeoutSeconds)
}

func TestBuildArgs(t *testing.T) {
	b := NewBackend(Config{
		BinaryPath: "/usr/bin/whisper",
		ModelPath:  "/models/small.bin",
		Threads:    4,
	}, nil)

	args := b.buildArgs("/tmp/audio.wav", asr.TranscribeOptions{Language: "de"})
	assert.Equal(t, []string{
		"--model", "/models/small.bin",
		"--output-json",
		"--language", "de",
		"--threads", "4",
		"/tmp/audio.wav",
	}, args)
}

func TestBuildArgs_Minimal(t *testing.T) {
	args := NewBackend(Config{}, nil).buildArgs("/tmp/audio.wav", asr.TranscribeOptions{})
	assert.Equal(t, []string{"--output-json", "/tmp/audio.wav"}, args)
}

var _ asr.Backend = (*Backend)(nil)
