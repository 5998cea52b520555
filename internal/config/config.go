package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the speech pipeline service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LLMMode         string `yaml:"llm_mode"`
	LLMBaseURL      string `yaml:"llm_base_url"`
	LLMModel        string `yaml:"llm_model"`
	LLMStreamStrict bool   `yaml:"llm_stream_strict"`

	SynthesisMode    string  `yaml:"synthesis_mode"`
	SynthesisBaseURL string  `yaml:"synthesis_base_url"`
	SpeakerID        int     `yaml:"speaker_id"`
	SpeedScale       float64 `yaml:"speed_scale"`

	AudioOutput        string        `yaml:"audio_output"`
	AudioPlayerCommand string        `yaml:"audio_player_command"`
	AudioDeviceBuffer  time.Duration `yaml:"audio_device_buffer"`

	UsageStore      string `yaml:"usage_store"`
	UsageSQLitePath string `yaml:"usage_sqlite_path"`
	DatabaseURL     string `yaml:"database_url"`

	TracingExporter     string `yaml:"tracing_exporter"`
	TracingOTLPEndpoint string `yaml:"tracing_otlp_endpoint"`
	TracingOTLPInsecure bool   `yaml:"tracing_otlp_insecure"`
}

// Default returns the settings used when neither a config file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		BindAddr:          "127.0.0.1:8080",
		ShutdownTimeout:   10 * time.Second,
		MetricsNamespace:  "aetherium",
		LogLevel:          "info",
		LLMMode:           "auto",
		LLMBaseURL:        "http://127.0.0.1:1234/v1",
		LLMStreamStrict:   true,
		SynthesisMode:     "auto",
		SynthesisBaseURL:  "http://127.0.0.1:50021",
		SpeakerID:         3,
		SpeedScale:        1.0,
		AudioOutput:       "auto",
		AudioDeviceBuffer: 100 * time.Millisecond,
		UsageStore:        "memory",
		UsageSQLitePath:   "./data/usage.db",

		TracingExporter:     "none",
		TracingOTLPInsecure: true,
	}
}

// Load applies defaults, the optional YAML file named by APP_CONFIG_FILE,
// then environment overrides, and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file not found: %w", err)
			}
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.LLMMode = strings.ToLower(envOrDefault("LLM_MODE", cfg.LLMMode))
	cfg.LLMBaseURL = envOrDefault("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = envOrDefault("LLM_MODEL", cfg.LLMModel)
	cfg.SynthesisMode = strings.ToLower(envOrDefault("VOICEVOX_MODE", cfg.SynthesisMode))
	cfg.SynthesisBaseURL = envOrDefault("VOICEVOX_BASE_URL", cfg.SynthesisBaseURL)
	cfg.AudioOutput = strings.ToLower(envOrDefault("AUDIO_OUTPUT", cfg.AudioOutput))
	cfg.AudioPlayerCommand = envOrDefault("AUDIO_PLAYER_COMMAND", cfg.AudioPlayerCommand)
	cfg.UsageStore = strings.ToLower(envOrDefault("USAGE_STORE", cfg.UsageStore))
	cfg.UsageSQLitePath = envOrDefault("USAGE_SQLITE_PATH", cfg.UsageSQLitePath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.TracingExporter = strings.ToLower(envOrDefault("TRACING_EXPORTER", cfg.TracingExporter))
	cfg.TracingOTLPEndpoint = envOrDefault("TRACING_OTLP_ENDPOINT", cfg.TracingOTLPEndpoint)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.LLMStreamStrict, err = boolFromEnv("LLM_STREAM_STRICT", cfg.LLMStreamStrict); err != nil {
		return err
	}
	if cfg.TracingOTLPInsecure, err = boolFromEnv("TRACING_OTLP_INSECURE", cfg.TracingOTLPInsecure); err != nil {
		return err
	}
	if cfg.SpeakerID, err = intFromEnv("VOICEVOX_SPEAKER_ID", cfg.SpeakerID); err != nil {
		return err
	}
	if cfg.SpeedScale, err = floatFromEnv("VOICEVOX_SPEED_SCALE", cfg.SpeedScale); err != nil {
		return err
	}
	if cfg.AudioDeviceBuffer, err = durationFromEnv("AUDIO_DEVICE_BUFFER", cfg.AudioDeviceBuffer); err != nil {
		return err
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if !oneOf(cfg.LLMMode, "auto", "http", "mock") {
		return fmt.Errorf("LLM_MODE must be one of auto|http|mock, got %q", cfg.LLMMode)
	}
	if !oneOf(cfg.SynthesisMode, "auto", "http", "mock") {
		return fmt.Errorf("VOICEVOX_MODE must be one of auto|http|mock, got %q", cfg.SynthesisMode)
	}
	if !oneOf(cfg.AudioOutput, "auto", "device", "exec", "mock") {
		return fmt.Errorf("AUDIO_OUTPUT must be one of auto|device|exec|mock, got %q", cfg.AudioOutput)
	}
	if cfg.AudioOutput == "exec" && cfg.AudioPlayerCommand == "" {
		return fmt.Errorf("AUDIO_PLAYER_COMMAND is required when AUDIO_OUTPUT=exec")
	}
	if !oneOf(cfg.UsageStore, "memory", "sqlite", "postgres") {
		return fmt.Errorf("USAGE_STORE must be one of memory|sqlite|postgres, got %q", cfg.UsageStore)
	}
	if cfg.UsageStore == "postgres" && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when USAGE_STORE=postgres")
	}
	if !oneOf(cfg.TracingExporter, "none", "stdout", "otlp") {
		return fmt.Errorf("TRACING_EXPORTER must be one of none|stdout|otlp, got %q", cfg.TracingExporter)
	}
	if cfg.TracingExporter == "otlp" && cfg.TracingOTLPEndpoint == "" {
		return fmt.Errorf("TRACING_OTLP_ENDPOINT is required when TRACING_EXPORTER=otlp")
	}
	if cfg.SpeedScale < 0.5 || cfg.SpeedScale > 2.0 {
		return fmt.Errorf("VOICEVOX_SPEED_SCALE must be within [0.5, 2.0]")
	}
	if cfg.SpeakerID < 0 {
		return fmt.Errorf("VOICEVOX_SPEAKER_ID must be >= 0")
	}
	if cfg.AudioDeviceBuffer <= 0 {
		return fmt.Errorf("AUDIO_DEVICE_BUFFER must be positive")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
