package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/config"
	"github.com/antoniostano/aetherium/internal/httpapi"
	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/usage"
	"github.com/antoniostano/aetherium/internal/voice"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *voice.Orchestrator
	Usage        usage.Store
	Metrics      *observability.Metrics
	Audio        string

	// Cleanup should be called on shutdown to release external resources (DB, audio device).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	usageStore, err := usage.NewStore(ctx, usage.Config{
		Backend:     cfg.UsageStore,
		SQLitePath:  cfg.UsageSQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("usage store init failed: %w", err)
	}

	llmClient, err := llm.NewClient(llm.Config{
		Mode:         cfg.LLMMode,
		BaseURL:      cfg.LLMBaseURL,
		StreamStrict: cfg.LLMStreamStrict,
	})
	if err != nil {
		_ = usageStore.Close()
		return nil, fmt.Errorf("llm client init failed: %w", err)
	}

	ttsClient, err := voicevox.NewClient(voicevox.Config{
		Mode:    cfg.SynthesisMode,
		BaseURL: cfg.SynthesisBaseURL,
	})
	if err != nil {
		_ = usageStore.Close()
		return nil, fmt.Errorf("voicevox client init failed: %w", err)
	}

	devices, err := resolveDevice(cfg, logger)
	if err != nil {
		_ = usageStore.Close()
		return nil, err
	}
	logger.Info().Str("audio", devices.kind).Str("detail", devices.detail).Msg("audio output resolved")

	orchestrator := voice.NewOrchestrator(voice.OrchestratorOptions{
		LLM:     llmClient,
		TTS:     ttsClient,
		Device:  devices.device,
		Usage:   usageStore,
		Metrics: metrics,
		Logger:  logger,
		Settings: voice.Settings{
			Model:      cfg.LLMModel,
			SpeakerID:  cfg.SpeakerID,
			SpeedScale: cfg.SpeedScale,
		},
	})

	cfg.AudioOutput = devices.kind
	api := httpapi.New(cfg, orchestrator, usageStore, metrics, logger)

	cleanup := func() error {
		if devices.cleanup != nil {
			devices.cleanup()
		}
		return closeAll(usageStore.Close)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Usage:        usageStore,
		Metrics:      metrics,
		Audio:        devices.kind,
		Cleanup:      cleanup,
	}, nil
}

// closeAll runs every closer and joins their errors.
func closeAll(closers ...func() error) error {
	var errs []error
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
