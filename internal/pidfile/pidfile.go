// Package pidfile keeps a single watcher or transcriber instance per user.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by New when a live process owns the file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is an acquired PID file.
type PIDFile struct {
	path string
	pid  int
}

// New claims path for the current process. A file left by a dead process is
// replaced; one held by a live process yields ErrAlreadyRunning.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create PID directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, ok := readPID(path); ok && isProcessRunning(existing) {
			return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, existing)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale PID file: %w", err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return nil, fmt.Errorf("write PID file: %w", err)
	}

	return &PIDFile{path: path, pid: pid}, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, ok := readPID(p.path); ok && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

// PathFor returns the per-user PID file location for a command name.
func PathFor(name string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "whisperrec", name+".pid")
}
