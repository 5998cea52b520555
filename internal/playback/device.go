package playback

// AudioClip is one synthesized clip tagged with the session that produced it.
type AudioClip struct {
	SessionID string
	Text      string
	Data      []byte
}

// Handle controls a clip that a Device has started.
type Handle interface {
	// Stop halts output immediately. The completion callback may or may not
	// fire afterwards.
	Stop()
}

// Device is an audio output that plays one clip at a time.
//
// Play starts clip and returns once output has begun. done is invoked at
// most once, when the clip ends naturally or fails mid-way. A non-nil error
// from Play means the clip never started and done will not be called.
type Device interface {
	Play(clip []byte, done func(error)) (Handle, error)
}

// DeviceFunc adapts a function to Device.
type DeviceFunc func(clip []byte, done func(error)) (Handle, error)

func (f DeviceFunc) Play(clip []byte, done func(error)) (Handle, error) { return f(clip, done) }

// HandleFunc adapts a function to Handle.
type HandleFunc func()

func (f HandleFunc) Stop() { f() }
