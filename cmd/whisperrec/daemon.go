package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/whisperrec/internal/ipc"
	"github.com/tiroq/whisperrec/internal/pidfile"
	"github.com/tiroq/whisperrec/internal/statusws"
	"github.com/tiroq/whisperrec/internal/watch"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pf pipelineFlags
	pf.register(fs)
	inbox := fs.String("inbox", "", "inbox directory override")
	addr := fs.String("addr", "", "status server address override (\"off\" disables)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := pf.load()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	if *inbox != "" {
		cfg.Watch.Inbox = *inbox
	}
	switch *addr {
	case "":
	case "off":
		cfg.Server.Addr = ""
	default:
		cfg.Server.Addr = *addr
	}
	if cfg.Watch.Inbox == "" {
		fmt.Fprintln(stderr, "error: watch.inbox is not configured")
		return exitFailure
	}

	logger := newLogger(cfg, stderr)
	logger.WithFields(logrus.Fields{"version": Version, "pid": os.Getpid()}).Info("Starting whisperrec daemon")

	pidPath := pidfile.PathFor("whisperrec")
	lock, err := pidfile.New(pidPath)
	if err != nil {
		logger.WithError(err).Error("Failed to create PID file")
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			logger.Errorf("If you're sure no other instance is running, remove: %s", pidPath)
		}
		return exitFailure
	}
	defer func() {
		if err := lock.Remove(); err != nil {
			logger.WithError(err).Warn("Failed to remove PID file")
		}
	}()

	a, err := newApp(cfg, logger, true)
	if err != nil {
		logger.WithError(err).Error("Failed to build pipeline")
		return exitFailure
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, a, logger); err != nil {
		logger.WithError(err).Error("Daemon stopped with error")
		return exitFailure
	}
	fmt.Fprintln(stdout, "whisperrec daemon stopped")
	return exitOK
}

// serve runs the inbox watcher, the progress hub and the status server until
// ctx ends or a quit command arrives.
func serve(ctx context.Context, a *app, logger *logrus.Logger) error {
	hub := statusws.NewHub(logger)
	a.runner.SetPublisher(hub)

	w := watch.New(a.runner, watch.Options{
		Inbox:        a.cfg.Watch.Inbox,
		ProcessedDir: a.cfg.Watch.ProcessedDir,
		FailedDir:    a.cfg.Watch.FailedDir,
		PollInterval: time.Duration(a.cfg.Watch.PollSeconds) * time.Second,
		SettleDelay:  time.Duration(a.cfg.Watch.SettleMillis) * time.Millisecond,
		Commands:     true,
		WriteStatus:  true,
	}, logger)
	w.SetDiagLog(a.diag)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := w.Run(ctx)
		if errors.Is(err, watch.ErrQuit) {
			logger.Info("Quit requested")
		}
		return err
	})

	if a.cfg.Server.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.routes(hub),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("Status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, watch.ErrQuit) {
		return nil
	}
	return err
}

// routes exposes Prometheus metrics, the progress websocket, the status
// snapshot and backend health.
func (a *app) routes(hub *statusws.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := ipc.ReadStatus()
		if err != nil {
			http.Error(w, "no status available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		health, err := a.registry.HealthCheck(ctx)
		if err != nil || health == nil {
			msg := "health check failed"
			if err != nil {
				msg = err.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "message": msg})
			return
		}
		code := http.StatusOK
		if !health.OK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"ok":         health.OK,
			"backend":    health.Backend,
			"message":    health.Message,
			"latency_ms": health.Latency.Milliseconds(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
