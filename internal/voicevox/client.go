package voicevox

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AudioQuery holds the synthesis parameters returned by the service. It is
// kept as a generic object so fields this client does not know about are
// posted back untouched.
type AudioQuery map[string]any

// SetSpeedScale applies the speech-rate multiplier.
func (q AudioQuery) SetSpeedScale(v float64) {
	q["speedScale"] = v
}

// SpeedScale returns the current speech-rate multiplier, or 0 if unset.
func (q AudioQuery) SpeedScale() float64 {
	v, _ := q["speedScale"].(float64)
	return v
}

// Style is one voice variant of a speaker.
type Style struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Speaker is an entry of the /speakers listing.
type Speaker struct {
	Name        string  `json:"name"`
	SpeakerUUID string  `json:"speaker_uuid"`
	Styles      []Style `json:"styles"`
}

// Voice is a selectable speaker: its display name and first style id.
type Voice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Synthesizer renders text to an audio clip in two calls.
type Synthesizer interface {
	AudioQuery(ctx context.Context, text string, speaker int) (AudioQuery, error)
	Synthesize(ctx context.Context, query AudioQuery, speaker int) ([]byte, error)
}

// Client is a Synthesizer that can also list its voices.
type Client interface {
	Synthesizer
	Speakers(ctx context.Context) ([]Speaker, error)
}

// ErrEmptyAudio is returned when the service answers with no audio bytes.
var ErrEmptyAudio = errors.New("voicevox: empty audio")

// Config controls client construction.
type Config struct {
	Mode    string
	BaseURL string
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.BaseURL) != "" {
			return NewHTTPClient(cfg.BaseURL), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("voicevox base url is required for http mode")
		}
		return NewHTTPClient(cfg.BaseURL), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported voicevox client mode %q", cfg.Mode)
	}
}
