package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/events"
	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/playback"
	"github.com/antoniostano/aetherium/internal/protocol"
	"github.com/antoniostano/aetherium/internal/reliability"
	"github.com/antoniostano/aetherium/internal/session"
	"github.com/antoniostano/aetherium/internal/transcript"
	"github.com/antoniostano/aetherium/internal/usage"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

const (
	minSpeedScale      = 0.5
	maxSpeedScale      = 2.0
	usageRecordTimeout = 2 * time.Second
	subscriberBuffer   = 256
)

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrNotRunning      = errors.New("orchestrator not running")
)

// Settings are the user-adjustable generation and voice parameters.
type Settings struct {
	Model      string  `json:"model"`
	SpeakerID  int     `json:"speaker_id"`
	SpeedScale float64 `json:"speed_scale"`
}

// SettingsUpdate changes the non-nil fields of Settings.
type SettingsUpdate struct {
	Model      *string  `json:"model,omitempty"`
	SpeakerID  *int     `json:"speaker_id,omitempty"`
	SpeedScale *float64 `json:"speed_scale,omitempty"`
}

// State is the UI-visible pipeline state.
type State struct {
	SessionID  string `json:"session_id,omitempty"`
	Generating bool   `json:"generating"`
	Playing    bool   `json:"playing"`
	Messages   int    `json:"messages"`
}

type OrchestratorOptions struct {
	LLM      llm.Client
	TTS      voicevox.Client
	Device   playback.Device
	Usage    usage.Store
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	Settings Settings
}

type turnState struct {
	id             string
	assistantID    string
	model          string
	startedAt      time.Time
	generationDone bool
	firstAudio     bool
}

// loopEvent is posted by stream goroutines and the playback device to the
// update loop.
type loopEvent struct {
	update      *StreamUpdate
	finished    bool
	clipStarted bool
	sessionID   string
	err         error
}

// Orchestrator wires the pipeline stages around one Coordinator and applies
// every UI-visible mutation from a single update loop started by Run.
type Orchestrator struct {
	llm     llm.Client
	tts     voicevox.Client
	usage   usage.Store
	metrics *observability.Metrics
	log     zerolog.Logger

	coord      *session.Coordinator
	stage      *SpeechStage
	player     *playback.Queue
	stream     *StreamConsumer
	transcript *transcript.Transcript

	settingsMu sync.RWMutex
	settings   Settings

	commands chan func(context.Context)
	posted   *events.Outbox[loopEvent]
	loopCh   chan loopEvent
	done     chan struct{}
	runOnce  sync.Once

	// Owned by the update loop.
	turn *turnState

	stateMu    sync.RWMutex
	generating bool
	playing    bool

	subsMu  sync.Mutex
	subs    map[int]chan any
	nextSub int
	closed  bool
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Settings.SpeedScale == 0 {
		opts.Settings.SpeedScale = 1
	}
	o := &Orchestrator{
		llm:        opts.LLM,
		tts:        opts.TTS,
		usage:      opts.Usage,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "orchestrator").Logger(),
		coord:      session.NewCoordinator(),
		transcript: transcript.New(),
		settings:   opts.Settings,
		commands:   make(chan func(context.Context)),
		posted:     events.NewOutbox[loopEvent](),
		loopCh:     make(chan loopEvent, 64),
		done:       make(chan struct{}),
		subs:       make(map[int]chan any),
	}

	o.player = playback.NewQueue(opts.Device, playback.Options{
		Admit:  o.coord.IsActive,
		Logger: opts.Logger.With().Str("component", "playback").Logger(),
		OnClipStart: func(clip playback.AudioClip) {
			o.posted.Push(loopEvent{clipStarted: true, sessionID: clip.SessionID})
		},
	})
	o.stage = NewSpeechStage(SpeechStageOptions{
		Synth:   opts.TTS,
		Sink:    o.player,
		Admit:   o.coord.IsActive,
		Voice:   o.voiceSettings,
		Logger:  opts.Logger.With().Str("component", "synthesis").Logger(),
		Metrics: opts.Metrics,
	})
	o.stream = NewStreamConsumer(StreamConsumerOptions{
		LLM:     opts.LLM,
		Chunks:  o.stage,
		Admit:   o.coord.IsActive,
		Logger:  opts.Logger.With().Str("component", "stream").Logger(),
		Metrics: opts.Metrics,
	})
	o.coord.Bind(o.stage, o.player)
	o.coord.SetRetireHook(o.onRetire)
	return o
}

// Run starts the stage workers and processes commands and stage events
// until ctx is done. It must be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := false
	o.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("orchestrator already running")
	}
	defer o.shutdown()

	go o.stage.Run(ctx)
	go o.player.Run(ctx)
	go o.posted.Pump(ctx, o.loopCh)

	for {
		select {
		case <-ctx.Done():
			o.coord.Stop()
			return nil
		case fn := <-o.commands:
			fn(ctx)
		case ev := <-o.loopCh:
			o.apply(ev)
		case ev := <-o.stage.Events():
			o.onChunk(ev)
		case ev := <-o.player.Events():
			o.onPlayback(ev)
		}
	}
}

// SendTurn appends text as a user message and starts a new turn,
// superseding the current one. It returns the new session id.
func (o *Orchestrator) SendTurn(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}
	reply := make(chan string, 1)
	if err := o.do(ctx, func(loopCtx context.Context) {
		reply <- o.startTurn(loopCtx, text)
	}); err != nil {
		return "", err
	}
	return <-reply, nil
}

// Stop cancels the current turn and silences playback. It returns
// session.ErrNoActiveSession when no turn was active; playback is silenced
// regardless.
func (o *Orchestrator) Stop(ctx context.Context) (session.Session, error) {
	type result struct {
		s  session.Session
		ok bool
	}
	reply := make(chan result, 1)
	if err := o.do(ctx, func(context.Context) {
		s, ok := o.stopTurn()
		reply <- result{s: s, ok: ok}
	}); err != nil {
		return session.Session{}, err
	}
	r := <-reply
	if !r.ok {
		return session.Session{}, session.ErrNoActiveSession
	}
	return r.s, nil
}

// Reset stops the current turn and clears the transcript.
func (o *Orchestrator) Reset(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := o.do(ctx, func(context.Context) {
		o.stopTurn()
		o.transcript.Reset()
		o.broadcast(protocol.TranscriptReset{Type: protocol.TypeTranscriptReset})
		reply <- struct{}{}
	}); err != nil {
		return err
	}
	<-reply
	return nil
}

func (o *Orchestrator) Messages() []transcript.Message {
	return o.transcript.Snapshot()
}

func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return State{
		SessionID:  o.coord.Current(),
		Generating: o.generating,
		Playing:    o.playing,
		Messages:   o.transcript.Len(),
	}
}

func (o *Orchestrator) Settings() Settings {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.settings
}

// UpdateSettings applies u. Voice changes take effect from the next
// synthesized sentence.
func (o *Orchestrator) UpdateSettings(u SettingsUpdate) (Settings, error) {
	if u.SpeedScale != nil && (*u.SpeedScale < minSpeedScale || *u.SpeedScale > maxSpeedScale) {
		return Settings{}, fmt.Errorf("%w: speed_scale must be between %.1f and %.1f", ErrInvalidSettings, minSpeedScale, maxSpeedScale)
	}
	if u.SpeakerID != nil && *u.SpeakerID < 0 {
		return Settings{}, fmt.Errorf("%w: speaker_id must be >= 0", ErrInvalidSettings)
	}

	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	if u.Model != nil {
		o.settings.Model = strings.TrimSpace(*u.Model)
	}
	if u.SpeakerID != nil {
		o.settings.SpeakerID = *u.SpeakerID
	}
	if u.SpeedScale != nil {
		o.settings.SpeedScale = *u.SpeedScale
	}
	return o.settings, nil
}

// RefreshModels lists the completion service's models. An unreachable
// service yields an empty list. The first model is selected when none is.
func (o *Orchestrator) RefreshModels(ctx context.Context) []string {
	models, err := o.llm.ListModels(ctx)
	if err != nil {
		o.log.Warn().Err(err).Str("kind", string(reliability.Classify(err))).Msg("model listing failed")
		return []string{}
	}

	o.settingsMu.Lock()
	if o.settings.Model == "" && len(models) > 0 {
		o.settings.Model = models[0]
	}
	o.settingsMu.Unlock()
	return models
}

// RefreshSpeakers lists the synthesis voices. An unreachable service yields
// an empty list. A selected speaker that is not offered falls back to the
// first voice.
func (o *Orchestrator) RefreshSpeakers(ctx context.Context) []voicevox.Voice {
	voices, err := voicevox.Voices(ctx, o.tts)
	if err != nil {
		o.log.Warn().Err(err).Str("kind", string(reliability.Classify(err))).Msg("speaker listing failed")
		return []voicevox.Voice{}
	}

	o.settingsMu.Lock()
	if id, ok := voicevox.ResolveVoice(voices, o.settings.SpeakerID); ok {
		o.settings.SpeakerID = id
	}
	o.settingsMu.Unlock()
	return voices
}

// Subscribe returns a stream of protocol events and a function that ends
// the subscription. Slow subscribers lose events rather than stall the
// update loop.
func (o *Orchestrator) Subscribe() (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			defer o.subsMu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

func (o *Orchestrator) do(ctx context.Context, fn func(context.Context)) error {
	select {
	case o.commands <- fn:
		return nil
	case <-o.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) startTurn(loopCtx context.Context, text string) string {
	turn := o.coord.StartNewTurn(loopCtx)
	o.turn = nil
	settings := o.Settings()

	history := o.history()
	o.addMessage(transcript.Message{Role: transcript.RoleUser, Content: text, SessionID: turn.ID})
	assistantID := o.addMessage(transcript.Message{Role: transcript.RoleAssistant, SessionID: turn.ID})

	o.turn = &turnState{
		id:          turn.ID,
		assistantID: assistantID,
		model:       settings.Model,
		startedAt:   turn.StartedAt,
	}
	o.setGenerating(turn.ID, true)

	req := llm.ChatRequest{
		Model:    settings.Model,
		Messages: append(history, llm.ChatMessage{Role: llm.RoleUser, Content: text}),
	}
	go func() {
		err := o.stream.Run(turn.Context, turn, req, func(u StreamUpdate) {
			o.posted.Push(loopEvent{update: &u, sessionID: u.SessionID})
		})
		o.posted.Push(loopEvent{finished: true, sessionID: turn.ID, err: err})
	}()

	o.log.Info().Str("session_id", turn.ID).Str("model", settings.Model).Msg("turn started")
	return turn.ID
}

func (o *Orchestrator) stopTurn() (session.Session, bool) {
	s, ok := o.coord.Stop()
	if o.turn != nil {
		o.setGenerating(o.turn.id, false)
		o.turn = nil
	}
	return s, ok
}

// history is the conversation sent with the next turn. Assistant messages
// that never received text are left out.
func (o *Orchestrator) history() []llm.ChatMessage {
	msgs := o.transcript.Snapshot()
	out := make([]llm.ChatMessage, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role == transcript.RoleAssistant && strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == transcript.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func (o *Orchestrator) addMessage(m transcript.Message) string {
	m.ID = o.transcript.Append(m)
	if stored, ok := o.transcript.Get(m.ID); ok {
		m = stored
	}
	o.broadcast(protocol.MessageAdded{Type: protocol.TypeMessageAdded, Message: protocol.NewMessageView(m)})
	return m.ID
}

func (o *Orchestrator) apply(ev loopEvent) {
	switch {
	case ev.clipStarted:
		t := o.current(ev.sessionID)
		if t != nil && !t.firstAudio {
			t.firstAudio = true
			o.metrics.ObserveStage(observability.StageFirstAudio, time.Since(t.startedAt))
		}
	case ev.finished:
		o.onStreamFinished(ev.sessionID, ev.err)
	case ev.update != nil:
		o.onStreamUpdate(*ev.update)
	}
}

func (o *Orchestrator) onStreamUpdate(u StreamUpdate) {
	t := o.current(u.SessionID)
	if t == nil || !o.coord.IsActive(u.SessionID) {
		return
	}

	switch u.Kind {
	case UpdateDelta:
		o.transcript.AppendContent(t.assistantID, u.Delta)
		o.broadcast(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: u.SessionID,
			MessageID: t.assistantID,
			TextDelta: u.Delta,
		})
	case UpdateUsage:
		o.transcript.SetStats(t.assistantID, u.Stats)
		o.broadcast(protocol.UsageStats{
			Type:      protocol.TypeUsageStats,
			SessionID: u.SessionID,
			MessageID: t.assistantID,
			Stats:     protocol.NewUsageStatsView(u.Stats),
		})
		o.recordUsage(t, u.Stats)
	}
}

func (o *Orchestrator) onStreamFinished(sessionID string, err error) {
	t := o.current(sessionID)
	if t == nil {
		return
	}
	t.generationDone = true
	o.setGenerating(sessionID, false)

	if err != nil && !reliability.IsCancellation(err) {
		kind := reliability.Classify(err)
		o.metrics.IncStageError(string(kind))
		o.metrics.ObserveIndicator("stream_failed")
		o.broadcast(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "stream_failed",
			Source:    "llm",
			Retryable: isTransient(err),
			Detail:    err.Error(),
		})
	}
	o.checkCompletion()
}

func (o *Orchestrator) onChunk(ev ChunkEvent) {
	if ev.Outcome == ChunkFailed && ev.Err != nil {
		o.metrics.ObserveIndicator("chunk_dropped")
		o.broadcast(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: ev.SessionID,
			Code:      "synthesis_failed",
			Source:    "voicevox",
			Retryable: isTransient(ev.Err),
			Detail:    ev.Err.Error(),
		})
	}
	if o.current(ev.SessionID) != nil {
		o.checkCompletion()
	}
}

func (o *Orchestrator) onPlayback(ev playback.Event) {
	switch ev.Kind {
	case playback.EventPlaybackState:
		o.stateMu.Lock()
		o.playing = ev.Playing
		o.stateMu.Unlock()
		o.metrics.SetPlaying(ev.Playing)
		o.broadcast(protocol.PlaybackState{Type: protocol.TypePlaybackState, Playing: ev.Playing})
	case playback.EventSessionCompleted:
		// The queue ran dry; chunks of the turn may still be in synthesis.
		if o.current(ev.SessionID) != nil {
			o.checkCompletion()
		}
	}
}

// checkCompletion retires the current turn once generation ended and no
// chunk or clip of it is left in any stage.
func (o *Orchestrator) checkCompletion() {
	t := o.turn
	if t == nil || !t.generationDone {
		return
	}
	if o.stage.Pending(t.id) > 0 || o.player.Pending(t.id) > 0 {
		return
	}
	o.turn = nil
	o.coord.Complete(t.id)
}

func (o *Orchestrator) current(sessionID string) *turnState {
	if o.turn == nil || o.turn.id != sessionID {
		return nil
	}
	return o.turn
}

func (o *Orchestrator) onRetire(s session.Session) {
	o.metrics.IncSession(string(s.Status))
	if s.Status == session.StatusCompleted {
		o.metrics.ObserveStage(observability.StageTurnTotal, s.EndedAt.Sub(s.StartedAt))
	}
	o.broadcast(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: s.ID, Status: string(s.Status)})
	o.log.Info().Str("session_id", s.ID).Str("status", string(s.Status)).Msg("session retired")
}

func (o *Orchestrator) setGenerating(sessionID string, on bool) {
	o.stateMu.Lock()
	changed := o.generating != on
	o.generating = on
	o.stateMu.Unlock()
	if !changed {
		return
	}
	o.metrics.SetGenerating(on)
	o.broadcast(protocol.GenerationState{Type: protocol.TypeGenerationState, SessionID: sessionID, Generating: on})
}

func (o *Orchestrator) recordUsage(t *turnState, stats transcript.UsageStats) {
	if o.usage == nil {
		return
	}
	view := protocol.NewUsageStatsView(stats)
	rec := usage.Record{
		SessionID:        t.id,
		Model:            t.model,
		PromptTokens:     stats.PromptTokens,
		CompletionTokens: stats.CompletionTokens,
		TotalTokens:      stats.TotalTokens,
		TokensPerSecond:  stats.TokensPerSecond,
		TTFTMs:           view.TTFTMs,
		TotalDurationMs:  view.TotalDurationMs,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), usageRecordTimeout)
		defer cancel()
		if err := o.usage.Record(ctx, rec); err != nil {
			o.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("usage record failed")
		}
	}()
}

func (o *Orchestrator) voiceSettings() VoiceSettings {
	s := o.Settings()
	return VoiceSettings{Speaker: s.SpeakerID, SpeedScale: s.SpeedScale}
}

func (o *Orchestrator) broadcast(msg any) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- msg:
		default:
			if t, ok := protocol.TypeOf(msg); ok {
				o.metrics.IncWSMessage("dropped", string(t))
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	close(o.done)
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

func isTransient(err error) bool {
	var statusErr *reliability.StatusError
	return errors.As(err, &statusErr) && statusErr.Transient()
}
