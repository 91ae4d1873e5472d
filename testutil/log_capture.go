package testutil

import (
	"bytes"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogCapture is a logrus logger whose text output is kept for assertions.
type LogCapture struct {
	Logger *logrus.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogCapture returns a debug-level logger writing to an in-memory buffer.
func NewLogCapture() *LogCapture {
	lc := &LogCapture{Logger: logrus.New()}
	lc.Logger.SetOutput(lc)
	lc.Logger.SetLevel(logrus.DebugLevel)
	lc.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return lc
}

// Write implements io.Writer for the logger.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// String returns all captured output.
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Reset clears the buffer.
func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Contains reports whether the output contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// Count returns how many times substr appears.
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Lines returns the captured log lines.
func (lc *LogCapture) Lines() []string {
	content := strings.TrimSpace(lc.String())
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// LastLine returns the last captured line, or "".
func (lc *LogCapture) LastLine() string {
	lines := lc.Lines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
