package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/config"
)

func TestBuildWithMockProviders(t *testing.T) {
	cfg := config.Default()
	cfg.MetricsNamespace = fmt.Sprintf("test_app_%d", time.Now().UnixNano())
	cfg.LLMMode = "mock"
	cfg.SynthesisMode = "mock"
	cfg.AudioOutput = "mock"
	cfg.UsageStore = "sqlite"
	cfg.UsageSQLitePath = filepath.Join(t.TempDir(), "usage.db")

	built, err := Build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.API == nil || built.Orchestrator == nil || built.Usage == nil {
		t.Fatalf("Build() result incomplete: %+v", built)
	}
	if built.Audio != "mock" {
		t.Fatalf("Audio = %q, want mock", built.Audio)
	}
	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		command  string
		wantKind string
		wantErr  bool
	}{
		{name: "mock", output: "mock", wantKind: "mock"},
		{name: "exec", output: "exec", command: "aplay -q -", wantKind: "exec"},
		{name: "exec without command", output: "exec", wantErr: true},
		{name: "unknown", output: "speaker", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.AudioOutput = tc.output
			cfg.AudioPlayerCommand = tc.command
			got, err := resolveDevice(cfg, zerolog.Nop())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveDevice() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveDevice() error = %v", err)
			}
			if got.kind != tc.wantKind {
				t.Fatalf("kind = %q, want %q", got.kind, tc.wantKind)
			}
		})
	}
}

func TestCloseAllJoinsErrors(t *testing.T) {
	errStore := errors.New("store close failed")
	errDevice := errors.New("device close failed")
	calls := 0
	closer := func(err error) func() error {
		return func() error {
			calls++
			return err
		}
	}

	err := closeAll(closer(errStore), closer(nil), closer(errDevice))
	if calls != 3 {
		t.Fatalf("closers called = %d, want 3", calls)
	}
	if !errors.Is(err, errStore) || !errors.Is(err, errDevice) {
		t.Fatalf("closeAll() error = %v, want both close errors", err)
	}

	if err := closeAll(closer(nil)); err != nil {
		t.Fatalf("closeAll() error = %v, want nil", err)
	}
}
