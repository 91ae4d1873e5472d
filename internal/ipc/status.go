// Package ipc exchanges state between the transcription daemon and local
// UI clients through small files under ~/.cache/whisperrec.
package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// StatusSnapshot is the daemon's latest view of the current (or last)
// transcription request, rewritten on every state or progress change.
type StatusSnapshot struct {
	RequestID  string    `json:"request_id"`
	File       string    `json:"file"`
	State      string    `json:"state"`
	Progress   float64   `json:"progress"`
	Path       string    `json:"path,omitempty"` // per_segment, proportional or whole_file once known
	Speakers   int       `json:"speakers"`
	Queued     int       `json:"queued"`
	Paused     bool      `json:"paused"`
	LastOutput string    `json:"last_output,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CacheDir returns ~/.cache/whisperrec.
func CacheDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "whisperrec")
}

// StatusPath returns the snapshot location.
func StatusPath() string {
	return filepath.Join(CacheDir(), "status.json")
}

// WriteStatus persists status to ~/.cache/whisperrec/status.json using an
// atomic write. A zero Timestamp is filled with the current time.
func WriteStatus(status *StatusSnapshot) error {
	if err := os.MkdirAll(CacheDir(), 0755); err != nil {
		return err
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return atomicWriteJSON(StatusPath(), status)
}

// ReadStatus loads the last snapshot written by WriteStatus.
func ReadStatus() (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath())
	if err != nil {
		return nil, err
	}

	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to a file atomically using temp file + rename
func atomicWriteJSON(path string, data interface{}) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}
