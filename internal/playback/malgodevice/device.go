// Package malgodevice plays clips on the default system output through
// miniaudio. It needs cgo, so it lives apart from the playback queue.
package malgodevice

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/antoniostano/aetherium/internal/audio"
	"github.com/antoniostano/aetherium/internal/playback"
)

// Device opens one playback stream per clip at the clip's own sample rate.
type Device struct {
	ctx    *malgo.AllocatedContext
	period time.Duration
}

func New(period time.Duration) (*Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Device{ctx: ctx, period: period}, nil
}

func (d *Device) Close() {
	_ = d.ctx.Uninit()
	d.ctx.Free()
}

func (d *Device) Play(clip []byte, done func(error)) (playback.Handle, error) {
	pcm, err := audio.DecodeWAV(clip)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(pcm.Channels)
	cfg.SampleRate = uint32(pcm.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(d.period / time.Millisecond)

	s := &stream{samples: pcm.Data, done: done}
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.fill})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	s.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	return s, nil
}

type stream struct {
	dev     *malgo.Device
	samples []byte
	pos     atomic.Int64
	drained atomic.Bool
	stopped atomic.Bool
	done    func(error)

	teardown sync.Once
}

// fill runs on the audio thread. Once every sample has been handed out it
// waits one more period so the tail is heard, then reports completion from
// a separate goroutine since the device cannot be torn down from here.
func (s *stream) fill(out, _ []byte, _ uint32) {
	pos := int(s.pos.Load())
	n := copy(out, s.samples[pos:])
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	s.pos.Store(int64(pos + n))
	if n > 0 || pos < len(s.samples) {
		return
	}
	if s.drained.Swap(true) {
		return
	}
	go s.finish()
}

func (s *stream) finish() {
	s.close()
	if !s.stopped.Load() {
		s.done(nil)
	}
}

func (s *stream) Stop() {
	s.stopped.Store(true)
	s.close()
}

func (s *stream) close() {
	s.teardown.Do(func() {
		_ = s.dev.Stop()
		s.dev.Uninit()
	})
}
