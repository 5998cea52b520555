package voice

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/protocol"
	"github.com/antoniostano/aetherium/internal/session"
	"github.com/antoniostano/aetherium/internal/transcript"
	"github.com/antoniostano/aetherium/internal/usage"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

type harness struct {
	o      *Orchestrator
	llm    *scriptedLLM
	synth  *fakeSynth
	device *recordingDevice
	usage  *usage.InMemoryStore
}

func newHarness(t *testing.T, client *scriptedLLM, synth *fakeSynth) *harness {
	t.Helper()
	h := &harness{llm: client, synth: synth, device: &recordingDevice{}, usage: usage.NewInMemoryStore(0)}
	h.o = NewOrchestrator(OrchestratorOptions{
		LLM:      client,
		TTS:      synth,
		Device:   h.device,
		Usage:    h.usage,
		Logger:   zerolog.Nop(),
		Settings: Settings{Model: "local-model", SpeakerID: 3, SpeedScale: 1.25},
	})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = h.o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return h
}

// eventCollector drains a subscription in the background.
type eventCollector struct {
	mu     sync.Mutex
	events []any
}

func collect(o *Orchestrator, t *testing.T) *eventCollector {
	ch, unsubscribe := o.Subscribe()
	t.Cleanup(unsubscribe)
	c := &eventCollector{}
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *eventCollector) find(match func(any) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func TestOrchestratorSpeaksSentencesInOrder(t *testing.T) {
	client := &scriptedLLM{reply: fixedReply(
		llm.StreamEvent{Delta: "Hello."},
		llm.StreamEvent{Delta: " How are you?"},
		llm.StreamEvent{Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}},
	)}
	h := newHarness(t, client, &fakeSynth{})
	events := collect(h.o, t)

	sid, err := h.o.SendTurn(context.Background(), "  hi there ")
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	waitFor(t, "session completion", func() bool {
		return events.find(func(ev any) bool {
			e, ok := ev.(protocol.SessionEnded)
			return ok && e.SessionID == sid && e.Status == string(session.StatusCompleted)
		})
	})

	want := []string{"Hello.", "How are you?"}
	if got := h.device.clips(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %q, want %q", got, want)
	}
	for _, speed := range h.synth.speeds {
		if speed != 1.25 {
			t.Fatalf("speedScale = %v, want 1.25", speed)
		}
	}

	state := h.o.State()
	if state.SessionID != "" || state.Generating {
		t.Fatalf("State() = %+v, want idle", state)
	}

	msgs := h.o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != transcript.RoleUser || msgs[0].Content != "hi there" {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Content != "Hello. How are you?" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}
	if msgs[1].Stats == nil || msgs[1].Stats.TotalTokens != 30 {
		t.Fatalf("assistant stats = %+v, want 30 total tokens", msgs[1].Stats)
	}

	waitFor(t, "usage record", func() bool {
		recs, _ := h.usage.Recent(context.Background(), 10)
		return len(recs) == 1 && recs[0].SessionID == sid && recs[0].Model == "local-model"
	})

	if got := h.llm.request(0); got.Model != "local-model" || len(got.Messages) != 1 {
		t.Fatalf("request = %+v, want model local-model with one message", got)
	}
}

func TestOrchestratorSupersededSessionNeverPlays(t *testing.T) {
	gate := make(chan struct{})
	synth := &fakeSynth{gates: map[string]chan struct{}{"Alpha.": gate}}
	h := newHarness(t, &scriptedLLM{reply: echoLastUser}, synth)

	first, err := h.o.SendTurn(context.Background(), "Alpha.")
	if err != nil {
		t.Fatalf("SendTurn(Alpha) error = %v", err)
	}
	waitFor(t, "Alpha synthesis in flight", func() bool { return len(synth.queried()) == 1 })
	waitFor(t, "Alpha text", func() bool {
		msgs := h.o.Messages()
		return len(msgs) == 2 && msgs[1].Content == "Alpha."
	})

	second, err := h.o.SendTurn(context.Background(), "Beta.")
	if err != nil {
		t.Fatalf("SendTurn(Beta) error = %v", err)
	}
	if first == second {
		t.Fatalf("session ids are equal: %s", first)
	}
	close(gate)

	waitFor(t, "Beta playback", func() bool { return len(h.device.clips()) >= 1 })
	if got := h.device.clips(); !reflect.DeepEqual(got, []string{"Beta."}) {
		t.Fatalf("played = %q, want [Beta.]", got)
	}

	msgs := h.o.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "Alpha." {
		t.Fatalf("superseded assistant content = %q, want partial text kept", msgs[1].Content)
	}

	// The second request carries the first exchange.
	waitFor(t, "second request", func() bool { return h.llm.requestCount() == 2 })
	if got := len(h.llm.request(1).Messages); got != 3 {
		t.Fatalf("len(second request messages) = %d, want 3", got)
	}
}

func TestOrchestratorQueryFailureDropsOneChunk(t *testing.T) {
	synth := &fakeSynth{failQuery: map[string]bool{"Bad.": true}}
	h := newHarness(t, &scriptedLLM{reply: fixedReply(llm.StreamEvent{Delta: "Bad. Good."})}, synth)
	events := collect(h.o, t)

	sid, err := h.o.SendTurn(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	waitFor(t, "session completion", func() bool { return h.o.State().SessionID == "" })

	if got := h.device.clips(); !reflect.DeepEqual(got, []string{"Good."}) {
		t.Fatalf("played = %q, want [Good.]", got)
	}
	waitFor(t, "synthesis error event", func() bool {
		return events.find(func(ev any) bool {
			e, ok := ev.(protocol.ErrorEvent)
			return ok && e.SessionID == sid && e.Code == "synthesis_failed"
		})
	})
}

func TestOrchestratorStopKeepsPartialText(t *testing.T) {
	client := &scriptedLLM{reply: fixedReply(llm.StreamEvent{Delta: "Partial"}), block: true}
	synth := &fakeSynth{}
	h := newHarness(t, client, synth)

	sid, err := h.o.SendTurn(context.Background(), "tell me")
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	waitFor(t, "partial text", func() bool {
		msgs := h.o.Messages()
		return len(msgs) == 2 && msgs[1].Content == "Partial"
	})
	if !h.o.State().Generating {
		t.Fatalf("Generating = false, want true before stop")
	}

	stopped, err := h.o.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if stopped.ID != sid || stopped.Status != session.StatusStopped {
		t.Fatalf("Stop() = %+v, want %s stopped", stopped, sid)
	}
	state := h.o.State()
	if state.Generating || state.SessionID != "" {
		t.Fatalf("State() = %+v, want idle", state)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := synth.queried(); len(calls) != 0 {
		t.Fatalf("synthesis calls after stop = %q, want none", calls)
	}
	if msgs := h.o.Messages(); msgs[1].Content != "Partial" {
		t.Fatalf("assistant content = %q, want Partial", msgs[1].Content)
	}

	if _, err := h.o.Stop(context.Background()); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("second Stop() error = %v, want ErrNoActiveSession", err)
	}
}

func TestOrchestratorReset(t *testing.T) {
	h := newHarness(t, &scriptedLLM{reply: echoLastUser}, &fakeSynth{})
	events := collect(h.o, t)

	if _, err := h.o.SendTurn(context.Background(), "One."); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	waitFor(t, "session completion", func() bool {
		return h.o.State().SessionID == "" && len(h.device.clips()) == 1
	})

	if err := h.o.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if n := len(h.o.Messages()); n != 0 {
		t.Fatalf("len(Messages) = %d, want 0", n)
	}
	waitFor(t, "reset event", func() bool {
		return events.find(func(ev any) bool {
			_, ok := ev.(protocol.TranscriptReset)
			return ok
		})
	})
}

func TestOrchestratorSendTurnValidation(t *testing.T) {
	h := newHarness(t, &scriptedLLM{reply: echoLastUser}, &fakeSynth{})
	if _, err := h.o.SendTurn(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("SendTurn(blank) error = %v, want ErrEmptyInput", err)
	}

	idle := NewOrchestrator(OrchestratorOptions{LLM: &scriptedLLM{reply: echoLastUser}, TTS: &fakeSynth{}, Device: &recordingDevice{}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := idle.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := idle.SendTurn(context.Background(), "hello"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendTurn() after Run exit error = %v, want ErrNotRunning", err)
	}
}

func TestOrchestratorSettings(t *testing.T) {
	h := newHarness(t, &scriptedLLM{reply: echoLastUser}, &fakeSynth{})

	bad := 3.0
	if _, err := h.o.UpdateSettings(SettingsUpdate{SpeedScale: &bad}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("UpdateSettings(speed 3) error = %v, want ErrInvalidSettings", err)
	}
	negative := -1
	if _, err := h.o.UpdateSettings(SettingsUpdate{SpeakerID: &negative}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("UpdateSettings(speaker -1) error = %v, want ErrInvalidSettings", err)
	}

	speed := 0.8
	model := "  other-model "
	got, err := h.o.UpdateSettings(SettingsUpdate{SpeedScale: &speed, Model: &model})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	want := Settings{Model: "other-model", SpeakerID: 3, SpeedScale: 0.8}
	if got != want || h.o.Settings() != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
}

func TestOrchestratorRefreshModels(t *testing.T) {
	client := &scriptedLLM{reply: echoLastUser, models: []string{"first", "second"}}
	o := NewOrchestrator(OrchestratorOptions{LLM: client, TTS: &fakeSynth{}, Device: &recordingDevice{}, Logger: zerolog.Nop()})

	models := o.RefreshModels(context.Background())
	if !reflect.DeepEqual(models, []string{"first", "second"}) {
		t.Fatalf("RefreshModels() = %q", models)
	}
	if got := o.Settings().Model; got != "first" {
		t.Fatalf("selected model = %q, want first", got)
	}

	client.modelsErr = errors.New("connection refused")
	if models := o.RefreshModels(context.Background()); models == nil || len(models) != 0 {
		t.Fatalf("RefreshModels() on failure = %#v, want empty list", models)
	}
	if got := o.Settings().Model; got != "first" {
		t.Fatalf("selected model after failure = %q, want first", got)
	}
}

func TestOrchestratorRefreshSpeakersFallsBack(t *testing.T) {
	synth := &fakeSynth{voices: []voicevox.Speaker{
		{Name: "Zundamon", Styles: []voicevox.Style{{ID: 3, Name: "normal"}}},
		{Name: "Aoi", Styles: []voicevox.Style{{ID: 8, Name: "normal"}, {ID: 9, Name: "happy"}}},
		{Name: "Silent"},
	}}
	o := NewOrchestrator(OrchestratorOptions{
		LLM:      &scriptedLLM{reply: echoLastUser},
		TTS:      synth,
		Device:   &recordingDevice{},
		Logger:   zerolog.Nop(),
		Settings: Settings{SpeakerID: 99, SpeedScale: 1},
	})

	voices := o.RefreshSpeakers(context.Background())
	want := []voicevox.Voice{{ID: 8, Name: "Aoi"}, {ID: 3, Name: "Zundamon"}}
	if !reflect.DeepEqual(voices, want) {
		t.Fatalf("RefreshSpeakers() = %+v, want %+v", voices, want)
	}
	if got := o.Settings().SpeakerID; got != 8 {
		t.Fatalf("speaker id = %d, want 8", got)
	}

	synth.voicesErr = errors.New("connection refused")
	if voices := o.RefreshSpeakers(context.Background()); len(voices) != 0 {
		t.Fatalf("RefreshSpeakers() on failure = %+v, want empty", voices)
	}
}
