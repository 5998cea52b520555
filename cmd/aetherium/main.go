package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/antoniostano/aetherium/internal/app"
	"github.com/antoniostano/aetherium/internal/config"
	"github.com/antoniostano/aetherium/internal/observability"
)

func main() {
	logger := newLogger("info")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = newLogger(cfg.LogLevel)

	ctx := context.Background()
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:  "aetherium",
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		OTLPInsecure: cfg.TracingOTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build failed")
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := built.Orchestrator.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("orchestrator stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("llm", cfg.LLMMode).
			Str("synthesis", cfg.SynthesisMode).
			Str("audio", built.Audio).
			Str("usage_store", cfg.UsageStore).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	// Stopping the orchestrator cancels any active session and silences playback.
	runCancel()
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("orchestrator did not stop in time")
	}

	if err := built.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// newLogger writes human-readable output to a terminal and JSON otherwise.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
