// Package watch turns a directory into a transcription inbox: recordings
// dropped into it are transcribed one at a time and then archived.
package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/whisperrec/internal/diaglog"
	"github.com/tiroq/whisperrec/internal/fileutil"
	"github.com/tiroq/whisperrec/internal/ipc"
	"github.com/tiroq/whisperrec/internal/pipeline"
)

// ErrQuit is returned by Run after a quit command.
var ErrQuit = errors.New("watch: quit requested")

// Transcriber runs one recording through the pipeline.
type Transcriber interface {
	Run(ctx context.Context, path string) (*pipeline.Result, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, path string) (*pipeline.Result, error)

func (f TranscriberFunc) Run(ctx context.Context, path string) (*pipeline.Result, error) {
	return f(ctx, path)
}

// DefaultExtensions are the recording types picked up from the inbox.
var DefaultExtensions = []string{".wav", ".mp3", ".m4a", ".mp4", ".mkv", ".ogg", ".flac", ".webm"}

// Options configures a Watcher.
type Options struct {
	Inbox string
	// ProcessedDir and FailedDir receive recordings after a successful or
	// failed run. Empty leaves the file in the inbox.
	ProcessedDir string
	FailedDir    string
	Extensions   []string

	// PollInterval drives the rescan that backs up fsnotify.
	PollInterval time.Duration
	// SettleDelay is how long a file's size and mtime must stay unchanged
	// before it is considered fully written. Files are rechecked from the
	// event loop; nothing sleeps while waiting.
	SettleDelay time.Duration

	// Commands enables reading ipc commands (pause, resume, ...).
	Commands bool
	// WriteStatus mirrors queue state to the ipc status snapshot.
	WriteStatus bool
}

// stamp is a file's size and mtime when first seen unchanged.
type stamp struct {
	size  int64
	mod   time.Time
	since time.Time
}

// Watcher feeds inbox recordings to a Transcriber sequentially.
type Watcher struct {
	t      Transcriber
	opts   Options
	logger logrus.FieldLogger
	diag   *diaglog.Logger

	mu      sync.Mutex
	queue   []string
	known   map[string]bool  // queued, running or already handled
	pending map[string]stamp // seen but not yet settled
	paused  bool
	current context.CancelFunc
	running string
	lastOut string
	lastErr string

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

// New creates a watcher. A nil logger discards output.
func New(t Transcriber, opts Options, logger logrus.FieldLogger) *Watcher {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Watcher{
		t:       t,
		opts:    opts,
		logger:  logger.WithField("component", "inbox-watcher"),
		diag:    diaglog.NewNoOp(),
		known:   make(map[string]bool),
		pending: make(map[string]stamp),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// SetDiagLog attaches a diagnostic event logger.
func (w *Watcher) SetDiagLog(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	w.diag = l
}

// Run watches the inbox until ctx is done or a quit command arrives. It
// returns nil on context cancellation and ErrQuit on quit.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Inbox, 0755); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx)
	}()

	w.Rescan()
	err := w.watch(ctx)
	cancel()
	wg.Wait()
	return err
}

// watch is the event loop: fsnotify when available, polling always.
func (w *Watcher) watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.WithError(err).Warn("fsnotify not available, falling back to polling")
		fsw = nil
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.opts.Inbox); err != nil {
			w.logger.WithError(err).Warn("Failed to watch inbox, falling back to polling")
		}
		if w.opts.Commands {
			if err := os.MkdirAll(ipc.CacheDir(), 0755); err == nil {
				if err := fsw.Add(ipc.CacheDir()); err != nil {
					w.logger.WithError(err).Debug("Failed to watch command directory")
				}
			}
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events, errs = fsw.Events, fsw.Errors
	}

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()

	var settleC <-chan time.Time
	if w.opts.SettleDelay > 0 {
		interval := w.opts.SettleDelay / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		settle := time.NewTicker(interval)
		defer settle.Stop()
		settleC = settle.C
	}
	lastCmdCheck := time.Now()

	w.logger.WithField("inbox", w.opts.Inbox).Info("Inbox watcher started")
	w.writeStatus()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-w.quit:
			return ErrQuit

		case ev, ok := <-events:
			if !ok {
				w.logger.Warn("fsnotify watcher closed, switching to polling")
				events, errs = nil, nil
				continue
			}
			if w.opts.Commands && ev.Name == ipc.CommandPath() && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.checkCommand()
				lastCmdCheck = time.Now()
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.opts.Inbox) {
				w.consider(ev.Name)
			}

		case err, ok := <-errs:
			if !ok {
				events, errs = nil, nil
				continue
			}
			w.logger.WithError(err).Warn("File watcher error")

		case <-poll.C:
			if w.opts.Commands {
				if info, err := os.Stat(ipc.CommandPath()); err == nil && info.ModTime().After(lastCmdCheck) {
					w.checkCommand()
				}
				lastCmdCheck = time.Now()
			}
			w.Rescan()

		case <-settleC:
			w.recheckPending()
		}
	}
}

// recheckPending reconsiders files still waiting to settle.
func (w *Watcher) recheckPending() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	sort.Strings(paths)
	for _, p := range paths {
		w.consider(p)
	}
}

// Rescan considers every recording currently in the inbox.
func (w *Watcher) Rescan() {
	entries, err := os.ReadDir(w.opts.Inbox)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to read inbox")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		w.consider(filepath.Join(w.opts.Inbox, n))
	}
}

// consider queues path if it is a new, settled recording.
func (w *Watcher) consider(path string) {
	if !w.wanted(path) {
		return
	}
	w.mu.Lock()
	seen := w.known[path]
	w.mu.Unlock()
	if seen || !w.settled(path) {
		return
	}

	w.mu.Lock()
	if w.known[path] {
		w.mu.Unlock()
		return
	}
	w.known[path] = true
	w.queue = append(w.queue, path)
	queued := len(w.queue)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{"file": filepath.Base(path), "queued": queued}).Info("Recording queued")
	w.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentWatcher,
		Event:     diaglog.EventFileQueued,
		Payload:   map[string]interface{}{"file": filepath.Base(path), "queued": queued},
	})
	w.writeStatus()
	w.signal()
}

func (w *Watcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.opts.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// settled reports whether path is a non-empty regular file whose size and
// mtime have not changed for SettleDelay. The first sighting only records a
// stamp; a later call from a rescan or recheckPending confirms it.
func (w *Watcher) settled(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return false
	}
	if w.opts.SettleDelay == 0 {
		return true
	}

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.pending[path]
	if !ok || st.size != info.Size() || !st.mod.Equal(info.ModTime()) {
		w.pending[path] = stamp{size: info.Size(), mod: info.ModTime(), since: now}
		return false
	}
	if now.Sub(st.since) < w.opts.SettleDelay {
		return false
	}
	delete(w.pending, path)
	return true
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// work transcribes queued recordings one at a time.
func (w *Watcher) work(ctx context.Context) {
	for {
		path, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}
		w.process(ctx, path)
	}
}

func (w *Watcher) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused || len(w.queue) == 0 {
		return "", false
	}
	path := w.queue[0]
	w.queue = w.queue[1:]
	return path, true
}

func (w *Watcher) process(ctx context.Context, path string) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.current, w.running = cancel, path
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.current, w.running = nil, ""
		w.mu.Unlock()
	}()

	log := w.logger.WithField("file", filepath.Base(path))
	res, err := w.t.Run(jobCtx, path)

	switch {
	case err == nil:
		w.mu.Lock()
		if res != nil && len(res.Outputs) > 0 {
			w.lastOut = res.Outputs[0]
		}
		w.lastErr = ""
		w.mu.Unlock()
		w.archive(path, w.opts.ProcessedDir, log)

	case jobCtx.Err() != nil:
		// Cancelled runs stay in the inbox and are retried on the next rescan
		// unless the watcher itself is stopping.
		log.Info("Transcription cancelled")
		w.mu.Lock()
		delete(w.known, path)
		w.mu.Unlock()

	default:
		log.WithError(err).Error("Transcription failed")
		w.mu.Lock()
		w.lastErr = err.Error()
		w.mu.Unlock()
		w.archive(path, w.opts.FailedDir, log)
	}
	w.writeStatus()
}

// archive moves path into dir. The known entry follows the file so a
// recording left in the inbox is not picked up again.
func (w *Watcher) archive(path, dir string, log logrus.FieldLogger) {
	if dir == "" {
		return
	}
	moved, err := fileutil.MoveToDir(path, dir)
	if err != nil {
		log.WithError(err).Warn("Failed to archive recording")
		return
	}
	w.mu.Lock()
	delete(w.known, path)
	w.mu.Unlock()
	log.WithField("to", moved).Debug("Recording archived")
}

func (w *Watcher) checkCommand() {
	// Writers may still be flushing when the event fires.
	time.Sleep(50 * time.Millisecond)
	cmd, err := ipc.ReadCommand()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to read command")
		return
	}
	if cmd != "" {
		w.HandleCommand(cmd)
	}
}

// HandleCommand applies one control command.
func (w *Watcher) HandleCommand(cmd ipc.Command) {
	w.logger.WithField("command", cmd).Info("Received command")
	switch cmd {
	case ipc.CmdPause:
		w.mu.Lock()
		w.paused = true
		w.mu.Unlock()

	case ipc.CmdResume:
		w.mu.Lock()
		w.paused = false
		w.mu.Unlock()
		w.signal()

	case ipc.CmdRescan:
		w.mu.Lock()
		// Forget inbox files that are neither queued nor running.
		queued := make(map[string]bool, len(w.queue))
		for _, p := range w.queue {
			queued[p] = true
		}
		for p := range w.known {
			if !queued[p] && p != w.running {
				delete(w.known, p)
			}
		}
		w.mu.Unlock()
		w.Rescan()

	case ipc.CmdCancel:
		w.mu.Lock()
		if w.current != nil {
			w.current()
		}
		w.mu.Unlock()

	case ipc.CmdQuit:
		w.once.Do(func() { close(w.quit) })

	default:
		w.logger.WithField("command", cmd).Warn("Unknown command")
	}
	w.writeStatus()
}

// Queued returns the number of recordings waiting.
func (w *Watcher) Queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Paused reports whether processing is paused.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Watcher) writeStatus() {
	if !w.opts.WriteStatus {
		return
	}
	w.mu.Lock()
	snap := &ipc.StatusSnapshot{
		State:      "idle",
		Queued:     len(w.queue),
		Paused:     w.paused,
		LastOutput: w.lastOut,
		LastError:  w.lastErr,
	}
	running := w.current != nil
	w.mu.Unlock()
	if running {
		// The pipeline owns the snapshot while a run is active.
		return
	}
	if err := ipc.WriteStatus(snap); err != nil {
		w.logger.WithError(err).Debug("Failed to write status snapshot")
	}
}
