package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/whisperrec/internal/asr"
	"github.com/tiroq/whisperrec/internal/asr/googlestt"
	"github.com/tiroq/whisperrec/internal/asr/localwhisper"
	"github.com/tiroq/whisperrec/internal/asr/remotewhisper"
	"github.com/tiroq/whisperrec/internal/audio"
	"github.com/tiroq/whisperrec/internal/config"
	"github.com/tiroq/whisperrec/internal/diaglog"
	"github.com/tiroq/whisperrec/internal/diarize"
	"github.com/tiroq/whisperrec/internal/metrics"
	"github.com/tiroq/whisperrec/internal/pipeline"
	"github.com/tiroq/whisperrec/internal/segment"
)

// app holds the components shared by the transcribe and watch commands.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	diag     *diaglog.Logger
	metrics  *metrics.Recorder
	registry *asr.Registry
	runner   *pipeline.Runner

	closers []io.Closer
}

func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// newApp wires the pipeline from cfg. daemon mirrors progress to the ipc
// status snapshot for UI clients.
func newApp(cfg *config.Config, logger *logrus.Logger, daemon bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	diag, err := diaglog.New(diaglog.DefaultPath())
	if err != nil {
		logger.WithError(err).Warn("Diagnostic log unavailable")
		diag = diaglog.NewNoOp()
	}
	a.diag = diag
	a.closers = append(a.closers, diag)

	var google *googlestt.Backend
	a.registry = asr.NewRegistry()
	for _, name := range []string{cfg.ASR.Backend, cfg.ASR.FallbackBackend} {
		if name == "" {
			continue
		}
		b, err := a.newBackend(name)
		if err != nil {
			a.Close()
			return nil, err
		}
		if g, ok := b.(*googlestt.Backend); ok {
			google = g
		}
		a.registry.Register(name, b)
	}
	a.registry.SetPrimary(cfg.ASR.Backend)
	if cfg.ASR.FallbackBackend != "" {
		a.registry.SetFallback(cfg.ASR.FallbackBackend)
	}
	// One model resident at a time: segments and whole-file calls share it.
	backend := asr.Exclusive(a.registry)

	diarizer := a.newDiarizer(google)
	processor := segment.NewProcessor(diarizer, audio.NewAuto(cfg.Pipeline.TempDir, cfg.Pipeline.FFmpeg), backend, logger)
	transcribeOpts := asr.TranscribeOptions{
		Language:   cfg.ASR.Language,
		Model:      cfg.ASR.Model,
		Timestamps: true,
	}
	processor.SetTranscribeOptions(transcribeOpts)
	processor.SetDiagLog(diag)
	processor.SetMetrics(a.metrics)

	mode, err := pipeline.ParseMode(cfg.Pipeline.SegmentMode)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = pipeline.NewRunner(processor, backend, pipeline.Options{
		Mode:          mode,
		MaxSegments:   cfg.Pipeline.MaxSegments,
		OutputDir:     cfg.Pipeline.OutputDir,
		Formats:       cfg.Pipeline.OutputFormats,
		Transcribe:    transcribeOpts,
		WriteMetadata: cfg.Pipeline.WriteMetadata,
		WriteStatus:   daemon,
		Version:       Version,
	}, logger)
	a.runner.SetDiagLog(diag)
	a.runner.SetMetrics(a.metrics)

	logger.WithFields(logrus.Fields{
		"backends":    a.registry.Backends(),
		"diarization": cfg.Diarization.Enabled,
		"mode":        mode,
	}).Debug("Pipeline configured")
	return a, nil
}

func (a *app) newBackend(name string) (asr.Backend, error) {
	c := a.cfg.ASR
	switch name {
	case config.BackendLocalWhisper:
		return localwhisper.NewBackend(localwhisper.Config{
			BinaryPath:     c.LocalWhisper.Binary,
			ModelPath:      c.LocalWhisper.ModelPath,
			Model:          c.LocalWhisper.Model,
			Threads:        c.LocalWhisper.Threads,
			TimeoutSeconds: c.LocalWhisper.TimeoutSeconds,
		}, a.logger), nil
	case config.BackendRemoteWhisper:
		client := remotewhisper.NewClient(remotewhisper.Config{
			BaseURL:        c.RemoteWhisper.BaseURL,
			Token:          c.RemoteWhisper.Token,
			TimeoutSeconds: c.RemoteWhisper.TimeoutSeconds,
			Retries:        c.RemoteWhisper.Retries,
			Model:          c.RemoteWhisper.Model,
		})
		client.SetLogger(a.diag)
		return client, nil
	case config.BackendGoogleSTT:
		b := googlestt.NewBackend(a.googleConfig(), a.logger)
		a.closers = append(a.closers, b)
		return b, nil
	}
	return nil, fmt.Errorf("unknown ASR backend %q", name)
}

func (a *app) googleConfig() googlestt.Config {
	return googlestt.Config{
		CredentialsFile: a.cfg.ASR.GoogleSTT.CredentialsFile,
		APIKey:          a.cfg.ASR.GoogleSTT.APIKey,
		LanguageCode:    a.cfg.ASR.GoogleSTT.LanguageCode,
		Model:           a.cfg.ASR.GoogleSTT.Model,
		MinSpeakers:     a.cfg.Diarization.MinSpeakers,
		MaxSpeakers:     a.cfg.Diarization.MaxSpeakers,
	}
}

// newDiarizer returns the configured diarizer bounded by the diarization
// timeout. With diarization disabled every recording has an empty timeline
// and goes straight to whole-file transcription.
func (a *app) newDiarizer(google *googlestt.Backend) diarize.Diarizer {
	d := a.cfg.Diarization
	if !d.Enabled {
		return diarize.DiarizerFunc(func(_ context.Context, _ string, _ diarize.ProgressFunc) (*diarize.Timeline, error) {
			return diarize.NewTimeline(nil), nil
		})
	}

	var inner diarize.Diarizer
	switch d.Backend {
	case config.DiarizerGoogleSTT:
		if google == nil {
			google = googlestt.NewBackend(a.googleConfig(), a.logger)
			a.closers = append(a.closers, google)
		}
		inner = googlestt.NewDiarizer(google)
	default:
		inner = diarize.NewPyannote(diarize.PyannoteConfig{
			Python:      d.Python,
			ScriptPath:  d.Script,
			Model:       d.Model,
			MinSpeakers: d.MinSpeakers,
			MaxSpeakers: d.MaxSpeakers,
			HFToken:     d.HFToken,
		}, a.logger)
	}
	return diarize.WithTimeout(inner, time.Duration(d.TimeoutSeconds)*time.Second)
}

// Close releases backend clients and the diagnostic log.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.WithError(err).Debug("Close failed")
		}
	}
	a.closers = nil
}
