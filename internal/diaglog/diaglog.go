// Package diaglog writes structured NDJSON diagnostic events for whisperrec
// transcription runs. Activated by WHISPERREC_DEBUG=true. When the env var is
// absent, all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentDiarizer      = "diarizer"
	ComponentProcessor     = "segment-processor"
	ComponentRemoteWhisper = "remote-whisper"
	ComponentGoogleSTT     = "google-stt"
	ComponentPipeline      = "pipeline"
	ComponentStateMachine  = "state-machine"
	ComponentWatcher       = "inbox-watcher"
	ComponentDiagExport    = "diag-export"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventDiarizeStart            = "diarize_start"
	EventDiarizeDone             = "diarize_done"
	EventDiarizeFailed           = "diarize_failed"
	EventSegmentExtractFailed    = "segment_extract_failed"
	EventSegmentTranscribeFailed = "segment_transcribe_failed"
	EventSegmentDone             = "segment_done"
	EventFallbackWholeFile       = "fallback_whole_file"
	EventTranscribeRetry         = "transcribe_retry"
	EventStateTransition         = "state_transition"
	EventPipelineDone            = "pipeline_done"
	EventFileQueued              = "file_queued"
)

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // request ID of the transcription run
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are being written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether WHISPERREC_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("WHISPERREC_DEBUG") == "true"
}

// DefaultPath returns ~/.cache/whisperrec/debug.ndjson.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".cache", "whisperrec", "debug.ndjson")
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
