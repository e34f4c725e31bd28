// Command mixcore runs the audio mixing core as a standalone service:
// it opens a platform audio backend, starts the mixer pump and optional
// diagnostics recorder, and serves a read-only telemetry surface until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aurafx/mixcore/internal/backend/malgo"
	"github.com/aurafx/mixcore/internal/backend/portaudio"
	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/diagnostics"
	"github.com/aurafx/mixcore/internal/effect"
	"github.com/aurafx/mixcore/internal/engine"
	"github.com/aurafx/mixcore/internal/events"
	"github.com/aurafx/mixcore/internal/mixer"
	"github.com/aurafx/mixcore/internal/syncgroup"
	"github.com/aurafx/mixcore/internal/telemetry"
)

// telemetryAddr is the listen address for the read-only HTTP telemetry
// surface (/healthz, /stats, /metrics).
const telemetryAddr = ":9090"

// ringBufferPeriods is how many buffer periods of headroom Engine's
// send/receive rings carry, absorbing scheduling jitter between the mixer
// pump tick and the backend's own device callback.
const ringBufferPeriods = 8

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(newHandler(cfg))
	slog.SetDefault(logger)

	logger.Info("starting mixcore",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_size_frames", cfg.BufferSizeFrames,
		"enable_input", cfg.EnableInput,
	)

	bus := events.New(logger, 200)

	backend := selectBackend()
	eng := engine.New(backend, *cfg, logger, bus, cfg.FrameSize()*ringBufferPeriods)
	if err := eng.Initialize(); err != nil {
		logger.Error("failed to initialize audio engine", "error", err)
		os.Exit(1)
	}
	eng.Start()

	chain := effect.NewChain()
	synchronizer := syncgroup.New(logger)

	mx := mixer.New(*cfg, logger, bus, chain, engineSink{eng}, synchronizer)
	mixCtx, mixCancel := context.WithCancel(context.Background())
	defer mixCancel()
	mx.Start(mixCtx)

	startTime := time.Now()
	registry := prometheus.NewRegistry()
	telSrv := telemetry.NewServer(mx, bus, startTime, registry)
	httpSrv := &http.Server{
		Addr:         telemetryAddr,
		Handler:      telSrv,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("telemetry server listening", "addr", telemetryAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var recorder *diagnostics.Recorder
	if dataDir := os.Getenv("MIXCORE_DATA_DIR"); dataDir != "" {
		db, err := diagnostics.Open(dataDir)
		if err != nil {
			logger.Error("failed to open diagnostics database", "error", err)
		} else {
			recorder = diagnostics.NewRecorder(db, bus, logger)
			recorder.Start()
			defer db.Close()
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("telemetry server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if recorder != nil {
		recorder.Stop()
	}
	mx.Stop()
	if err := eng.Dispose(); err != nil {
		logger.Error("engine dispose error", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry server shutdown error", "error", err)
	}

	logger.Info("mixcore stopped")
}

// newHandler builds a slog.Handler honoring cfg's text/json format and
// level selection.
func newHandler(cfg *config.AudioConfig) slog.Handler {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

// selectBackend picks the platform audio backend. Darwin and Windows favor
// portaudio's simpler blocking API; everything else (principally Linux)
// uses malgo.
func selectBackend() engine.Backend {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return portaudio.New()
	}
	return malgo.New()
}

// engineSink adapts *engine.Engine to mixer.Sink, routing mixed output
// through Engine's own non-blocking send ring rather than bypassing it.
type engineSink struct {
	eng *engine.Engine
}

func (s engineSink) WriteMixed(buf []float32, frameCount int) int {
	written := s.eng.Send(buf)
	channels := len(buf) / frameCount
	if channels == 0 {
		return 0
	}
	return written / channels
}
