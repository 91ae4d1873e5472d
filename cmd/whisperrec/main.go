// Command whisperrec transcribes recordings with per-speaker attribution.
//
//	whisperrec transcribe [flags] FILE...   transcribe recordings and exit
//	whisperrec watch [flags]                transcribe everything dropped into the inbox
//	whisperrec ctl pause|resume|rescan|cancel|quit
//	whisperrec status                       print the daemon's status snapshot
//	whisperrec doctor [flags]               check tools, credentials and backend health
//	whisperrec export-diag [flags]          bundle the diagnostic log
//	whisperrec version [-check]             print the version, optionally check for updates
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/autoupdate"
	"github.com/tiroq/whisperrec/internal/config"
	"github.com/tiroq/whisperrec/internal/diaglog"
	"github.com/tiroq/whisperrec/internal/ipc"
	"github.com/tiroq/whisperrec/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	diaglog.Version = Version

	switch args[0] {
	case "transcribe":
		return runTranscribe(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "ctl":
		return runCtl(args[1:], stdout, stderr)
	case "status":
		return runStatus(stdout, stderr)
	case "export-diag", "--export-diag":
		return runExportDiag(args[1:], stdout, stderr)
	case "doctor":
		return runDoctor(args[1:], stdout, stderr)
	case "version", "--version":
		return runVersion(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: whisperrec <command> [flags]

commands:
  transcribe FILE...   transcribe recordings and exit
  watch                transcribe recordings dropped into the inbox
  ctl COMMAND          send pause, resume, rescan, cancel or quit to the daemon
  status               print the daemon's status snapshot
  doctor               check tools, credentials and backend health
  export-diag          bundle the diagnostic log for a bug report
  version [-check]     print the version, optionally check for a newer release
`)
}

// pipelineFlags are the overrides shared by transcribe and watch.
type pipelineFlags struct {
	configPath string
	mode       string
	outDir     string
	formats    string
	noDiarize  bool
	logLevel   string
}

func (p *pipelineFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.configPath, "config", "", "config file (default ~/.config/whisperrec/config.yaml)")
	fs.StringVar(&p.mode, "mode", "", "segment mode: auto, segments or proportional")
	fs.StringVar(&p.outDir, "out", "", "directory for transcripts (default: next to the recording)")
	fs.StringVar(&p.formats, "formats", "", "comma-separated output formats (human,llm,txt,srt,vtt,json)")
	fs.BoolVar(&p.noDiarize, "no-diarize", false, "skip speaker diarization")
	fs.StringVar(&p.logLevel, "log-level", "", "log level override")
}

func (p *pipelineFlags) load() (*config.Config, error) {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return nil, err
	}
	if p.mode != "" {
		cfg.Pipeline.SegmentMode = p.mode
	}
	if p.outDir != "" {
		cfg.Pipeline.OutputDir = p.outDir
	}
	if p.formats != "" {
		var formats []string
		for _, f := range strings.Split(p.formats, ",") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
		cfg.Pipeline.OutputFormats = formats
	}
	if p.noDiarize {
		cfg.Diarization.Enabled = false
	}
	if p.logLevel != "" {
		cfg.LogLevel = p.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTranscribe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pf pipelineFlags
	pf.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "transcribe: no input files")
		return exitUsage
	}

	cfg, err := pf.load()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	logger := newLogger(cfg, stderr)
	a, err := newApp(cfg, logger, false)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := exitOK
	for _, path := range fs.Args() {
		if _, err := os.Stat(path); err != nil {
			logger.WithError(err).WithField("file", path).Error("Cannot read recording")
			code = exitFailure
			continue
		}
		res, err := a.runner.Run(ctx, path)
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Transcription failed")
			for _, fix := range validation.SuggestedFixes(err) {
				logger.Warn("  " + fix)
			}
			code = exitFailure
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, out := range res.Outputs {
			fmt.Fprintln(stdout, out)
		}
	}
	return code
}

func runCtl(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: whisperrec ctl pause|resume|rescan|cancel|quit")
		return exitUsage
	}
	cmd := ipc.Command(args[0])
	switch cmd {
	case ipc.CmdPause, ipc.CmdResume, ipc.CmdRescan, ipc.CmdCancel, ipc.CmdQuit:
	default:
		fmt.Fprintf(stderr, "unknown daemon command %q\n", args[0])
		return exitUsage
	}
	if err := ipc.WriteCommand(cmd); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "sent %s\n", cmd)
	return exitOK
}

func runStatus(stdout, stderr io.Writer) int {
	snap, err := ipc.ReadStatus()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(stderr, "no status available; is the daemon running?")
		} else {
			fmt.Fprintln(stderr, "error:", err)
		}
		return exitFailure
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	return exitOK
}

func runExportDiag(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-diag", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", diaglog.DefaultPath(), "diagnostic log to export")
	dest := fs.String("dest", ".", "directory for the bundle")
	session := fs.String("session", "", "only include entries of this request ID")
	since := fs.Duration("since", 0, "only include entries newer than this (e.g. 2h)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	opts := diaglog.ExportOptions{SessionID: *session}
	if *since > 0 {
		opts.Since = time.Now().Add(-*since)
	}
	path, n, err := diaglog.Export(*logPath, *dest, opts)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stderr, "hint: run with WHISPERREC_DEBUG=true to enable diagnostic logging")
		}
		return exitFailure
	}
	fmt.Fprintf(stdout, "Wrote: %s (%d lines)\n", path, n)
	return exitOK
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pf pipelineFlags
	pf.register(fs)
	offline := fs.Bool("offline", false, "skip the backend health check")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := pf.load()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	a, err := newApp(cfg, newLogger(cfg, stderr), false)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	defer a.Close()

	var backend asr.Backend
	if !*offline {
		backend = a.registry
	}
	result := validation.CheckEnvironment(context.Background(), cfg, backend)

	fmt.Fprintln(stdout, result.Message)
	for _, issue := range result.Issues {
		fmt.Fprintf(stdout, "  issue:   %s\n", issue)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(stdout, "  warning: %s\n", w)
	}
	if len(result.Fixes) > 0 {
		fmt.Fprintln(stdout, "Suggested fixes:")
		for _, fix := range result.Fixes {
			fmt.Fprintf(stdout, "  - %s\n", fix)
		}
	}
	if !result.OK {
		return exitFailure
	}
	return exitOK
}

// newUpdateChecker is replaced in tests.
var newUpdateChecker = func() *autoupdate.UpdateChecker {
	return autoupdate.NewUpdateChecker("tiroq", "whisperrec", Version)
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	check := fs.Bool("check", false, "check GitHub for a newer release")
	channel := fs.String("channel", "stable", "release channel: stable, prerelease or dev")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	fmt.Fprintf(stdout, "whisperrec %s\n", Version)
	if !*check {
		return exitOK
	}

	ch, err := autoupdate.ParseChannel(*channel)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}
	uc := newUpdateChecker()
	uc.SetChannel(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	available, release, err := uc.IsUpdateAvailable(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "update check failed:", err)
		return exitFailure
	}
	if available {
		fmt.Fprintf(stdout, "update available: %s %s\n", release.TagName, release.HTMLURL)
	} else {
		fmt.Fprintln(stdout, "up to date")
	}
	return exitOK
}
