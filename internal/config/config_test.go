package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsPointAtLocalServices(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMBaseURL != "http://127.0.0.1:1234/v1" {
		t.Fatalf("LLMBaseURL = %q, want local default", cfg.LLMBaseURL)
	}
	if cfg.SynthesisBaseURL != "http://127.0.0.1:50021" {
		t.Fatalf("SynthesisBaseURL = %q, want local default", cfg.SynthesisBaseURL)
	}
	if cfg.SpeakerID != 3 {
		t.Fatalf("SpeakerID = %d, want 3", cfg.SpeakerID)
	}
	if cfg.SpeedScale != 1.0 {
		t.Fatalf("SpeedScale = %v, want 1.0", cfg.SpeedScale)
	}
	if cfg.LLMModel != "" {
		t.Fatalf("LLMModel = %q, want empty default", cfg.LLMModel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("VOICEVOX_SPEAKER_ID", "8")
	t.Setenv("VOICEVOX_SPEED_SCALE", "1.25")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("LLM_MODE", "MOCK")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.SpeakerID != 8 {
		t.Fatalf("SpeakerID = %d, want 8", cfg.SpeakerID)
	}
	if cfg.SpeedScale != 1.25 {
		t.Fatalf("SpeedScale = %v, want 1.25", cfg.SpeedScale)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout)
	}
	if cfg.LLMMode != "mock" {
		t.Fatalf("LLMMode = %q, want mock", cfg.LLMMode)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "aetherium.yaml")
	body := strings.Join([]string{
		"llm_model: qwen2.5-7b",
		"speaker_id: 14",
		"audio_device_buffer: 40ms",
		"usage_store: sqlite",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("VOICEVOX_SPEAKER_ID", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMModel != "qwen2.5-7b" {
		t.Fatalf("LLMModel = %q, want value from file", cfg.LLMModel)
	}
	if cfg.SpeakerID != 2 {
		t.Fatalf("SpeakerID = %d, want env override 2", cfg.SpeakerID)
	}
	if cfg.AudioDeviceBuffer != 40*time.Millisecond {
		t.Fatalf("AudioDeviceBuffer = %v, want 40ms", cfg.AudioDeviceBuffer)
	}
	if cfg.UsageStore != "sqlite" {
		t.Fatalf("UsageStore = %q, want sqlite", cfg.UsageStore)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "speed too fast", key: "VOICEVOX_SPEED_SCALE", val: "3"},
		{name: "speed not a number", key: "VOICEVOX_SPEED_SCALE", val: "fast"},
		{name: "unknown llm mode", key: "LLM_MODE", val: "grpc"},
		{name: "bad bool", key: "APP_ALLOW_ANY_ORIGIN", val: "maybe"},
		{name: "exec without command", key: "AUDIO_OUTPUT", val: "exec"},
		{name: "postgres without dsn", key: "USAGE_STORE", val: "postgres"},
		{name: "otlp without endpoint", key: "TRACING_EXPORTER", val: "otlp"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing file error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"LLM_MODE",
		"LLM_BASE_URL",
		"LLM_MODEL",
		"LLM_STREAM_STRICT",
		"VOICEVOX_MODE",
		"VOICEVOX_BASE_URL",
		"VOICEVOX_SPEAKER_ID",
		"VOICEVOX_SPEED_SCALE",
		"AUDIO_OUTPUT",
		"AUDIO_PLAYER_COMMAND",
		"AUDIO_DEVICE_BUFFER",
		"USAGE_STORE",
		"USAGE_SQLITE_PATH",
		"DATABASE_URL",
		"TRACING_EXPORTER",
		"TRACING_OTLP_ENDPOINT",
		"TRACING_OTLP_INSECURE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
