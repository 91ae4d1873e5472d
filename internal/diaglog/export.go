package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt string `json:"exported_at"`
	Version    string `json:"whisperrec_version"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	LogFile    string `json:"log_file"`
	SessionID  string `json:"session_id,omitempty"`
	EntryCount int    `json:"entry_count"`
}

// ExportOptions narrows which entries are copied into the bundle.
type ExportOptions struct {
	SessionID string    // only entries of this transcription run
	Since     time.Time // only entries at or after this instant
}

func (o ExportOptions) keep(line []byte) bool {
	if o.SessionID == "" && o.Since.IsZero() {
		return true
	}
	var e LogEntry
	if json.Unmarshal(line, &e) != nil {
		return false
	}
	if o.SessionID != "" && e.SessionID != o.SessionID {
		return false
	}
	if !o.Since.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil || ts.Before(o.Since) {
			return false
		}
	}
	return true
}

// Export reads logPath, keeps the entries matching opts, prepends a
// DiagBundle metadata line, and writes the result to
// dest/whisperrec-diag-<ts>.ndjson. Returns the written file path and number
// of log lines included.
func Export(logPath, dest string, opts ExportOptions) (path string, lines int, err error) {
	src, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	// The log is capped at 10 MB so buffering it is fine.
	var kept [][]byte
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 10*1024*1024), 10*1024*1024)
	for scanner.Scan() {
		if !opts.keep(scanner.Bytes()) {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		kept = append(kept, line)
	}
	if serr := scanner.Err(); serr != nil {
		return "", 0, fmt.Errorf("log file unreadable: %w", serr)
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "whisperrec-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	bundle := DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Version:    Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFile:    logPath,
		SessionID:  opts.SessionID,
		EntryCount: len(kept),
	}
	header, merr := json.Marshal(bundle)
	if merr != nil {
		return "", 0, merr
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range kept {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}

	return outPath, len(kept), nil
}
