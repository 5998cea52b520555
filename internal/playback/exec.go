package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const filePlaceholder = "{file}"

// ExecDevice plays each clip by running an external player. The clip is
// written to the player's stdin, or to a temporary file when the command
// contains the {file} placeholder.
type ExecDevice struct {
	args []string
}

func NewExecDevice(command string) (*ExecDevice, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("player command is empty")
	}
	return &ExecDevice{args: args}, nil
}

func (d *ExecDevice) Play(clip []byte, done func(error)) (Handle, error) {
	args := append([]string(nil), d.args...)
	tmpPath := ""
	for i, a := range args {
		if !strings.Contains(a, filePlaceholder) {
			continue
		}
		if tmpPath == "" {
			f, err := os.CreateTemp("", "aetherium-clip-*.wav")
			if err != nil {
				return nil, fmt.Errorf("create clip file: %w", err)
			}
			tmpPath = f.Name()
			_, werr := f.Write(clip)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				os.Remove(tmpPath)
				return nil, fmt.Errorf("write clip file: %w", err)
			}
		}
		args[i] = strings.ReplaceAll(a, filePlaceholder, tmpPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if tmpPath == "" {
		cmd.Stdin = bytes.NewReader(clip)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return nil, fmt.Errorf("start player: %w", err)
	}

	h := &execHandle{cancel: cancel}
	go func() {
		err := cmd.Wait()
		cancel()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		if h.wasStopped() {
			return
		}
		if err != nil {
			err = fmt.Errorf("player exited: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		done(err)
	}()
	return h, nil
}

type execHandle struct {
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

func (h *execHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
}

func (h *execHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
