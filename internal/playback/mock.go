package playback

import (
	"sync"
	"time"

	"github.com/antoniostano/aetherium/internal/audio"
)

// MockDevice pretends to play clips for as long as their decoded duration,
// scaled by Speed. Clips that do not decode play for Fallback.
type MockDevice struct {
	Speed    float64
	Fallback time.Duration

	mu     sync.Mutex
	played int
}

func NewMockDevice() *MockDevice {
	return &MockDevice{Speed: 1, Fallback: 200 * time.Millisecond}
}

func (d *MockDevice) Play(clip []byte, done func(error)) (Handle, error) {
	dur := d.Fallback
	if pcm, err := audio.DecodeWAV(clip); err == nil {
		dur = pcm.Duration()
	}
	if d.Speed > 0 {
		dur = time.Duration(float64(dur) / d.Speed)
	}

	d.mu.Lock()
	d.played++
	d.mu.Unlock()

	timer := time.AfterFunc(dur, func() { done(nil) })
	return HandleFunc(func() { timer.Stop() }), nil
}

// Played returns how many clips were started.
func (d *MockDevice) Played() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played
}
