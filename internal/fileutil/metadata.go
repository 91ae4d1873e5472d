// Package fileutil names, archives and annotates recordings on disk.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptionMetadata is the sidecar written next to every transcribed
// recording.
type TranscriptionMetadata struct {
	Version       string    `json:"version"`
	RequestID     string    `json:"request_id"`
	SourceFile    string    `json:"source_file"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Duration      string    `json:"duration"`
	DurationMs    int64     `json:"duration_ms"`
	AudioDuration float64   `json:"audio_duration_s,omitempty"`

	// Path is how the text was produced: per_segment, proportional or
	// whole_file.
	Path              string   `json:"path"`
	Backend           string   `json:"backend"`
	Model             string   `json:"model,omitempty"`
	Language          string   `json:"language,omitempty"`
	Speakers          int      `json:"speakers"`
	Segments          int      `json:"segments"`
	FailedSegments    int      `json:"failed_segments"`
	AverageConfidence float64  `json:"average_confidence"`
	DiarizationError  string   `json:"diarization_error,omitempty"`
	Outputs           []string `json:"outputs"`
	Success           bool     `json:"success"`
	Error             string   `json:"error,omitempty"`
}

// WriteMetadata writes a <basepath>.meta.json sidecar file alongside the
// recording. Uses atomic write (temp + rename) consistent with ipc patterns.
func WriteMetadata(recordingPath string, meta *TranscriptionMetadata) error {
	metaPath := MetadataPath(recordingPath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar for recordingPath.
func ReadMetadata(recordingPath string) (*TranscriptionMetadata, error) {
	data, err := os.ReadFile(MetadataPath(recordingPath))
	if err != nil {
		return nil, err
	}
	var meta TranscriptionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath returns <basepath>.meta.json for a given recording file path.
func MetadataPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	base := recordingPath[:len(recordingPath)-len(ext)]
	return base + ".meta.json"
}
