package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/reliability"
	"github.com/antoniostano/aetherium/internal/session"
	"github.com/antoniostano/aetherium/internal/transcript"
)

// errSessionInactive aborts a stream whose session was superseded between
// two events. It is a cancellation, not a failure.
var errSessionInactive = fmt.Errorf("session no longer active: %w", context.Canceled)

// StreamUpdateKind identifies what a StreamUpdate carries.
type StreamUpdateKind int

const (
	UpdateDelta StreamUpdateKind = iota
	UpdateUsage
)

// StreamUpdate is a transcript mutation produced by a stream. Updates are
// applied by a single consumer, in publish order.
type StreamUpdate struct {
	Kind      StreamUpdateKind
	SessionID string
	Delta     string
	Usage     llm.Usage
	Stats     transcript.UsageStats
}

// ChunkSink accepts sentence chunks. Enqueue returns false when the chunk's
// session is no longer active.
type ChunkSink interface {
	Enqueue(chunk SpeechChunk) bool
}

type StreamConsumerOptions struct {
	LLM     llm.Client
	Chunks  ChunkSink
	Admit   func(sessionID string) bool
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// StreamConsumer reads one completion stream per turn, publishes transcript
// updates and cuts the text into speech chunks.
type StreamConsumer struct {
	opts StreamConsumerOptions
}

func NewStreamConsumer(opts StreamConsumerOptions) *StreamConsumer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StreamConsumer{opts: opts}
}

// Run streams req for turn until the service terminates the stream, an
// error occurs or the turn is cancelled. Cancellation aborts the connection;
// after it no further update or chunk is produced and Run returns an error
// for which reliability.IsCancellation holds. Other errors are tagged
// reliability.KindStream. Text already published is kept by the caller.
func (c *StreamConsumer) Run(ctx context.Context, turn session.Turn, req llm.ChatRequest, publish func(StreamUpdate)) error {
	log := c.opts.Logger.With().Str("session_id", turn.ID).Logger()
	start := turn.StartedAt
	if start.IsZero() {
		start = c.opts.Now()
	}

	var (
		seg        SentenceSegmenter
		firstToken *time.Time
		seq        int
	)

	live := func() bool {
		return ctx.Err() == nil && c.admitted(turn.ID)
	}
	emit := func(text string) {
		if !live() {
			return
		}
		seq++
		if seq == 1 {
			c.opts.Metrics.ObserveStage(observability.StageFirstChunk, c.opts.Now().Sub(start))
		}
		c.opts.Chunks.Enqueue(SpeechChunk{SessionID: turn.ID, Text: text, Seq: seq, DetectedAt: c.opts.Now()})
	}

	err := c.opts.LLM.StreamChat(ctx, req, func(ev llm.StreamEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.admitted(turn.ID) {
			return errSessionInactive
		}

		if ev.Delta != "" {
			now := c.opts.Now()
			if firstToken == nil {
				firstToken = &now
				c.opts.Metrics.ObserveStage(observability.StageFirstToken, now.Sub(start))
			}
			c.opts.Metrics.IncDelta()
			publish(StreamUpdate{Kind: UpdateDelta, SessionID: turn.ID, Delta: ev.Delta})
			for _, chunk := range seg.Push(ev.Delta) {
				emit(chunk)
			}
		}
		if ev.Usage != nil {
			stats := ComputeUsageStats(*ev.Usage, start, firstToken, c.opts.Now())
			publish(StreamUpdate{Kind: UpdateUsage, SessionID: turn.ID, Usage: *ev.Usage, Stats: stats})
		}
		return nil
	})

	// The remainder is spoken on normal and early termination alike, but
	// never once the turn is gone.
	if rest := seg.Flush(); rest != "" {
		emit(rest)
	}

	switch {
	case err == nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Int("chunks", seq).Msg("stream finished")
		return nil
	case reliability.IsCancellation(err) || ctx.Err() != nil:
		log.Debug().Err(err).Msg("stream cancelled")
		if !reliability.IsCancellation(err) {
			return ctx.Err()
		}
		return err
	default:
		err = reliability.Wrap(reliability.KindStream, err)
		log.Warn().Err(err).Int("chunks", seq).Msg("stream failed")
		return err
	}
}

func (c *StreamConsumer) admitted(sessionID string) bool {
	return c.opts.Admit == nil || c.opts.Admit(sessionID)
}
