package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteMetadata_Basic(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "2025-01-15_1430_standup.wav")
	if err := os.WriteFile(recPath, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}

	meta := &TranscriptionMetadata{
		Version:           "0.3.0",
		RequestID:         "abc123",
		SourceFile:        recPath,
		StartedAt:         time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		FinishedAt:        time.Date(2025, 1, 15, 14, 31, 0, 0, time.UTC),
		Duration:          "1m0s",
		DurationMs:        60000,
		Path:              "per_segment",
		Backend:           "local_whisper",
		Speakers:          2,
		Segments:          5,
		FailedSegments:    1,
		AverageConfidence: 0.72,
		Outputs:           []string{"human", "llm"},
		Success:           true,
	}

	if err := WriteMetadata(recPath, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	metaPath := filepath.Join(dir, "2025-01-15_1430_standup.meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read meta file: %v", err)
	}

	var got TranscriptionMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != "abc123" {
		t.Errorf("request_id = %q, want %q", got.RequestID, "abc123")
	}
	if got.Path != "per_segment" {
		t.Errorf("path = %q, want %q", got.Path, "per_segment")
	}
	if got.FailedSegments != 1 || got.Segments != 5 || got.Speakers != 2 {
		t.Errorf("counts = %d/%d/%d, want 1/5/2", got.FailedSegments, got.Segments, got.Speakers)
	}
	if got.DurationMs != 60000 {
		t.Errorf("duration_ms = %d, want %d", got.DurationMs, 60000)
	}

	// Optional fields stay out of the file when empty.
	if strings.Contains(string(data), "diarization_error") {
		t.Errorf("empty diarization_error should be omitted:\n%s", data)
	}
}

func TestReadMetadata(t *testing.T) {
	recPath := filepath.Join(t.TempDir(), "call.mp3")
	want := &TranscriptionMetadata{RequestID: "r-9", Path: "whole_file", DiarizationError: "timed out", Error: ""}
	if err := WriteMetadata(recPath, want); err != nil {
		t.Fatal(err)
	}

	got, err := ReadMetadata(recPath)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.RequestID != "r-9" || got.DiarizationError != "timed out" {
		t.Errorf("got %+v", got)
	}

	if _, err := ReadMetadata(filepath.Join(t.TempDir(), "missing.wav")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestMetadataPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/recordings/meeting.mp4", "/recordings/meeting.meta.json"},
		{"/recordings/2025-01-15_standup.wav", "/recordings/2025-01-15_standup.meta.json"},
		{"/recordings/no-ext", "/recordings/no-ext.meta.json"},
	}
	for _, tt := range tests {
		if got := MetadataPath(tt.input); got != tt.want {
			t.Errorf("MetadataPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteMetadata_AtomicNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "test.wav")

	if err := WriteMetadata(recPath, &TranscriptionMetadata{RequestID: "atomic"}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteMetadata_MissingDir(t *testing.T) {
	recPath := filepath.Join(t.TempDir(), "nope", "test.wav")
	if err := WriteMetadata(recPath, &TranscriptionMetadata{}); err == nil {
		t.Fatal("expected error when the recording directory does not exist")
	}
}
