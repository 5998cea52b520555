package voicevox

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/aetherium/internal/audio"
)

const mockSampleRate = 24000

// MockClient renders silence whose length tracks the text, so the rest of
// the pipeline can run without an engine.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) AudioQuery(ctx context.Context, text string, speaker int) (AudioQuery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return AudioQuery{"kana": text, "speedScale": 1.0, "outputSamplingRate": float64(mockSampleRate)}, nil
}

func (c *MockClient) Synthesize(ctx context.Context, query AudioQuery, speaker int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, _ := query["kana"].(string)
	speed := query.SpeedScale()
	if speed <= 0 {
		speed = 1
	}
	d := time.Duration(float64(utf8.RuneCountInString(text)) * float64(60*time.Millisecond) / speed)
	return audio.EncodeWAV(audio.Silence(d, mockSampleRate))
}

func (c *MockClient) Speakers(context.Context) ([]Speaker, error) {
	return []Speaker{
		{Name: "Mock Voice", SpeakerUUID: "00000000-0000-0000-0000-000000000000", Styles: []Style{{ID: 3, Name: "normal"}}},
	}, nil
}
