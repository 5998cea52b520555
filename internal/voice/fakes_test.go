package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/playback"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

// scriptedLLM streams the events returned by reply, then either returns err
// or, with block set, waits for cancellation.
type scriptedLLM struct {
	reply     func(req llm.ChatRequest) []llm.StreamEvent
	block     bool
	err       error
	models    []string
	modelsErr error

	mu       sync.Mutex
	requests []llm.ChatRequest
}

func (f *scriptedLLM) StreamChat(ctx context.Context, req llm.ChatRequest, onEvent llm.EventHandler) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	for _, ev := range f.reply(req) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *scriptedLLM) ListModels(context.Context) ([]string, error) {
	return f.models, f.modelsErr
}

func (f *scriptedLLM) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *scriptedLLM) request(i int) llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// echoLastUser replies with the last user message as a single delta.
func echoLastUser(req llm.ChatRequest) []llm.StreamEvent {
	last := req.Messages[len(req.Messages)-1].Content
	return []llm.StreamEvent{{Delta: last}}
}

func fixedReply(events ...llm.StreamEvent) func(llm.ChatRequest) []llm.StreamEvent {
	return func(llm.ChatRequest) []llm.StreamEvent { return events }
}

// fakeSynth renders a clip whose bytes are the text it was asked to speak.
// AudioQuery for a gated text blocks until the gate closes, ignoring ctx,
// so a result can arrive after its session was cancelled.
type fakeSynth struct {
	mu        sync.Mutex
	failQuery map[string]bool
	gates     map[string]chan struct{}
	calls     []string
	speeds    []float64
	speakers  []int

	voices    []voicevox.Speaker
	voicesErr error
}

func (s *fakeSynth) AudioQuery(_ context.Context, text string, speaker int) (voicevox.AudioQuery, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	gate := s.gates[text]
	fail := s.failQuery[text]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("audio_query rejected")
	}
	return voicevox.AudioQuery{"text": text, "speedScale": 1.0}, nil
}

func (s *fakeSynth) Synthesize(_ context.Context, query voicevox.AudioQuery, speaker int) ([]byte, error) {
	s.mu.Lock()
	s.speeds = append(s.speeds, query.SpeedScale())
	s.speakers = append(s.speakers, speaker)
	s.mu.Unlock()
	text, _ := query["text"].(string)
	return []byte(text), nil
}

func (s *fakeSynth) Speakers(context.Context) ([]voicevox.Speaker, error) {
	return s.voices, s.voicesErr
}

func (s *fakeSynth) queried() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// recordingDevice finishes every clip right after it starts.
type recordingDevice struct {
	mu     sync.Mutex
	played []string
}

func (d *recordingDevice) Play(clip []byte, done func(error)) (playback.Handle, error) {
	d.mu.Lock()
	d.played = append(d.played, string(clip))
	d.mu.Unlock()
	go done(nil)
	return playback.HandleFunc(func() {}), nil
}

func (d *recordingDevice) clips() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.played...)
}

// clipSink collects clips handed over by the synthesis stage.
type clipSink struct {
	mu    sync.Mutex
	clips []playback.AudioClip
}

func (s *clipSink) Enqueue(clip playback.AudioClip) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, clip)
	return true
}

func (s *clipSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.clips))
	for i, c := range s.clips {
		out[i] = string(c.Data)
	}
	return out
}

// chunkRecorder collects chunks emitted by a stream consumer.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []SpeechChunk
}

func (r *chunkRecorder) Enqueue(chunk SpeechChunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return true
}

func (r *chunkRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = c.Text
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
