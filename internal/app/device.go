package app

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/config"
	"github.com/antoniostano/aetherium/internal/playback"
	"github.com/antoniostano/aetherium/internal/playback/malgodevice"
)

type deviceSetup struct {
	device  playback.Device
	kind    string
	detail  string
	cleanup func()
}

// resolveDevice picks the audio output. In auto mode it falls back from the
// system device to an external player and finally to a silent mock.
func resolveDevice(cfg config.Config, logger zerolog.Logger) (deviceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.AudioOutput))
	if mode == "" {
		mode = "auto"
	}

	tryDevice := func() (deviceSetup, error) {
		d, err := malgodevice.New(cfg.AudioDeviceBuffer)
		if err != nil {
			return deviceSetup{}, err
		}
		return deviceSetup{device: d, kind: "device", detail: "system output", cleanup: d.Close}, nil
	}

	tryExec := func(command string) (deviceSetup, error) {
		d, err := playback.NewExecDevice(command)
		if err != nil {
			return deviceSetup{}, err
		}
		return deviceSetup{device: d, kind: "exec", detail: command}, nil
	}

	mock := deviceSetup{device: playback.NewMockDevice(), kind: "mock", detail: "silent"}

	switch mode {
	case "device":
		s, err := tryDevice()
		if err != nil {
			return deviceSetup{}, fmt.Errorf("audio device init failed: %w", err)
		}
		return s, nil
	case "exec":
		s, err := tryExec(cfg.AudioPlayerCommand)
		if err != nil {
			return deviceSetup{}, fmt.Errorf("audio player init failed: %w", err)
		}
		return s, nil
	case "mock":
		return mock, nil
	case "auto":
		s, err := tryDevice()
		if err == nil {
			return s, nil
		}
		logger.Warn().Err(err).Msg("system audio unavailable")

		command := strings.TrimSpace(cfg.AudioPlayerCommand)
		if command == "" {
			command = defaultPlayerCommand()
		}
		if command != "" {
			s, err := tryExec(command)
			if err == nil {
				return s, nil
			}
			logger.Warn().Err(err).Str("command", command).Msg("audio player unavailable")
		}
		return mock, nil
	default:
		return deviceSetup{}, fmt.Errorf("invalid AUDIO_OUTPUT: %q (expected auto|device|exec|mock)", cfg.AudioOutput)
	}
}

func defaultPlayerCommand() string {
	switch runtime.GOOS {
	case "darwin":
		return "afplay {file}"
	case "linux":
		return "aplay -q -"
	default:
		return ""
	}
}
