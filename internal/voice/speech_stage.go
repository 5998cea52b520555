package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/events"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/playback"
	"github.com/antoniostano/aetherium/internal/reliability"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

// SpeechChunk is one sentence of a session queued for synthesis.
type SpeechChunk struct {
	SessionID  string
	Text       string
	Seq        int
	DetectedAt time.Time
}

// ChunkOutcome is how the synthesis stage disposed of a chunk.
type ChunkOutcome string

const (
	ChunkSynthesized ChunkOutcome = "synthesized"
	ChunkSkipped     ChunkOutcome = "skipped"
	ChunkEmpty       ChunkOutcome = "empty"
	ChunkFailed      ChunkOutcome = "failed"
	ChunkDiscarded   ChunkOutcome = "discarded"
)

// ChunkEvent reports that a chunk left the stage. It is emitted after the
// chunk stopped counting towards Pending.
type ChunkEvent struct {
	SessionID string
	Seq       int
	Outcome   ChunkOutcome
	Err       error
}

// ClipSink receives synthesized clips. Enqueue returns false when the clip's
// session is no longer admitted.
type ClipSink interface {
	Enqueue(clip playback.AudioClip) bool
}

// VoiceSettings are read once per chunk so changes apply to the next
// sentence.
type VoiceSettings struct {
	Speaker    int
	SpeedScale float64
}

type SpeechStageOptions struct {
	Synth   voicevox.Synthesizer
	Sink    ClipSink
	Admit   func(sessionID string) bool
	Voice   func() VoiceSettings
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type inflightChunk struct {
	chunk  SpeechChunk
	cancel context.CancelFunc
}

// SpeechStage turns chunks into clips with a single worker, so at most one
// synthesis call is in flight and clips reach the sink in arrival order.
type SpeechStage struct {
	opts SpeechStageOptions

	mu       sync.Mutex
	queue    []SpeechChunk
	inflight *inflightChunk
	wake     chan struct{}

	out    *events.Outbox[ChunkEvent]
	events chan ChunkEvent
}

func NewSpeechStage(opts SpeechStageOptions) *SpeechStage {
	if opts.Voice == nil {
		opts.Voice = func() VoiceSettings { return VoiceSettings{Speaker: 3, SpeedScale: 1} }
	}
	return &SpeechStage{
		opts:   opts,
		wake:   make(chan struct{}, 1),
		out:    events.NewOutbox[ChunkEvent](),
		events: make(chan ChunkEvent, 16),
	}
}

// Events delivers one ChunkEvent per processed chunk while Run is active.
func (s *SpeechStage) Events() <-chan ChunkEvent { return s.events }

// Enqueue queues chunk for synthesis. It returns false and does nothing when
// the chunk's session is no longer active.
func (s *SpeechStage) Enqueue(chunk SpeechChunk) bool {
	if chunk.DetectedAt.IsZero() {
		chunk.DetectedAt = time.Now()
	}
	s.mu.Lock()
	if !s.admitted(chunk.SessionID) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// CancelSession drops the queued chunks of sessionID and aborts its
// in-flight call. A result that still arrives for it is discarded.
func (s *SpeechStage) CancelSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.SessionID != sessionID {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = SpeechChunk{}
	}
	s.queue = kept

	if s.inflight != nil && s.inflight.chunk.SessionID == sessionID {
		s.inflight.cancel()
	}
}

// Pending counts the queued and in-flight chunks of sessionID.
func (s *SpeechStage) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.inflight != nil && s.inflight.chunk.SessionID == sessionID {
		n++
	}
	for _, c := range s.queue {
		if c.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Run drains the queue until ctx is done.
func (s *SpeechStage) Run(ctx context.Context) {
	go s.out.Pump(ctx, s.events)

	for {
		chunkCtx, chunk, ok := s.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		ev := s.process(chunkCtx, chunk)

		s.mu.Lock()
		if s.inflight != nil {
			s.inflight.cancel()
			s.inflight = nil
		}
		s.mu.Unlock()

		s.opts.Metrics.IncChunk(string(ev.Outcome))
		s.out.Push(ev)
	}
}

func (s *SpeechStage) next(ctx context.Context) (context.Context, SpeechChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || ctx.Err() != nil {
		return nil, SpeechChunk{}, false
	}
	chunk := s.queue[0]
	s.queue[0] = SpeechChunk{}
	s.queue = s.queue[1:]

	chunkCtx, cancel := context.WithCancel(ctx)
	s.inflight = &inflightChunk{chunk: chunk, cancel: cancel}
	return chunkCtx, chunk, true
}

func (s *SpeechStage) process(ctx context.Context, chunk SpeechChunk) ChunkEvent {
	ev := ChunkEvent{SessionID: chunk.SessionID, Seq: chunk.Seq}
	log := s.opts.Logger.With().Str("session_id", chunk.SessionID).Int("seq", chunk.Seq).Logger()

	if ctx.Err() != nil || !s.admitted(chunk.SessionID) {
		ev.Outcome = ChunkSkipped
		return ev
	}

	text := SanitizeSpeechText(chunk.Text)
	if text == "" {
		ev.Outcome = ChunkEmpty
		return ev
	}

	v := s.opts.Voice()
	started := time.Now()
	query, err := s.opts.Synth.AudioQuery(ctx, text, v.Speaker)
	if err != nil {
		return s.failed(ctx, ev, log, "audio query failed", err)
	}
	query.SetSpeedScale(v.SpeedScale)
	s.opts.Metrics.ObserveStage(observability.StageAudioQuery, time.Since(started))

	rendered := time.Now()
	data, err := s.opts.Synth.Synthesize(ctx, query, v.Speaker)
	if err != nil {
		return s.failed(ctx, ev, log, "synthesis failed", err)
	}
	s.opts.Metrics.ObserveStage(observability.StageSynthesis, time.Since(rendered))

	if ctx.Err() != nil || !s.admitted(chunk.SessionID) {
		log.Debug().Msg("discarding clip of superseded session")
		ev.Outcome = ChunkDiscarded
		return ev
	}
	if !s.opts.Sink.Enqueue(playback.AudioClip{SessionID: chunk.SessionID, Text: text, Data: data}) {
		ev.Outcome = ChunkDiscarded
		return ev
	}
	s.opts.Metrics.ObserveStage(observability.StageChunkToAudio, time.Since(chunk.DetectedAt))
	ev.Outcome = ChunkSynthesized
	return ev
}

func (s *SpeechStage) failed(ctx context.Context, ev ChunkEvent, log zerolog.Logger, msg string, err error) ChunkEvent {
	if ctx.Err() != nil || reliability.IsCancellation(err) {
		ev.Outcome = ChunkDiscarded
		return ev
	}
	err = reliability.Wrap(reliability.KindSynthesis, err)
	log.Warn().Err(err).Msg(msg)
	s.opts.Metrics.IncStageError(string(reliability.Classify(err)))
	ev.Outcome = ChunkFailed
	ev.Err = err
	return ev
}

func (s *SpeechStage) admitted(sessionID string) bool {
	return s.opts.Admit == nil || s.opts.Admit(sessionID)
}
