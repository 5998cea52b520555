package playback

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/events"
)

// EventKind identifies a playback queue event.
type EventKind string

const (
	EventPlaybackState EventKind = "playback_state"
	// EventSessionCompleted fires each time the queue holds no clip of the
	// session, neither playing nor queued. It says nothing about clips still
	// being synthesized; a later Enqueue for the same session plays normally
	// and may fire the event again.
	EventSessionCompleted EventKind = "session_completed"
)

// Event is emitted by the queue in the order the transitions happened.
type Event struct {
	Kind      EventKind
	Playing   bool
	SessionID string
}

// Options configures a Queue.
type Options struct {
	// Admit reports whether clips of a session may still be played. It is
	// checked on enqueue and again right before the device starts a clip.
	Admit  func(sessionID string) bool
	Logger zerolog.Logger
	// OnClipStart is called, outside the queue lock, whenever a clip starts.
	OnClipStart func(AudioClip)
}

type current struct {
	clip   AudioClip
	seq    uint64
	handle Handle
}

// Queue plays session-tagged clips strictly in enqueue order, one at a time.
// It exclusively owns its Device.
type Queue struct {
	device Device
	opts   Options

	mu      sync.Mutex
	queue   []AudioClip
	current *current
	seq     uint64
	playing bool

	out    *events.Outbox[Event]
	events chan Event
}

func NewQueue(device Device, opts Options) *Queue {
	return &Queue{
		device: device,
		opts:   opts,
		out:    events.NewOutbox[Event](),
		events: make(chan Event, 16),
	}
}

// Events delivers playback-state and session-completion events while Run is
// active.
func (q *Queue) Events() <-chan Event { return q.events }

// Run forwards queued events to Events until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	q.out.Pump(ctx, q.events)
}

// Enqueue appends clip and starts playback if the queue is idle. It returns
// false and does nothing if the clip's session is no longer admitted.
func (q *Queue) Enqueue(clip AudioClip) bool {
	q.mu.Lock()
	if !q.admitted(clip.SessionID) {
		q.mu.Unlock()
		q.opts.Logger.Debug().Str("session_id", clip.SessionID).Msg("dropping clip of inactive session")
		return false
	}
	q.queue = append(q.queue, clip)
	var started *AudioClip
	if q.current == nil {
		started = q.startNextLocked()
	}
	q.mu.Unlock()

	q.clipStarted(started)
	return true
}

// Cancel removes every queued clip of sessionID and stops the playing clip
// if it belongs to that session, advancing to the next clip.
func (q *Queue) Cancel(sessionID string) {
	q.mu.Lock()
	kept := q.queue[:0]
	for _, c := range q.queue {
		if c.SessionID != sessionID {
			kept = append(kept, c)
		}
	}
	clearTail(q.queue, len(kept))
	q.queue = kept

	var started *AudioClip
	if q.current != nil && q.current.clip.SessionID == sessionID {
		h := q.current.handle
		q.current = nil
		if h != nil {
			h.Stop()
		}
		started = q.startNextLocked()
	}
	q.mu.Unlock()

	q.clipStarted(started)
}

// StopAll stops the playing clip and empties the queue.
func (q *Queue) StopAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	clearTail(q.queue, 0)
	q.queue = nil
	if q.current != nil {
		if q.current.handle != nil {
			q.current.handle.Stop()
		}
		q.current = nil
	}
	q.setPlayingLocked(false)
}

// Pending counts the queued and playing clips of sessionID.
func (q *Queue) Pending(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if q.current != nil && q.current.clip.SessionID == sessionID {
		n++
	}
	for _, c := range q.queue {
		if c.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Playing reports whether a clip is currently playing.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *Queue) finished(seq uint64, err error) {
	q.mu.Lock()
	if q.current == nil || q.current.seq != seq {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.opts.Logger.Warn().Err(err).Str("session_id", q.current.clip.SessionID).Msg("clip playback failed")
	}
	sessionID := q.current.clip.SessionID
	q.current = nil
	q.notifyIfCompletedLocked(sessionID)
	started := q.startNextLocked()
	q.mu.Unlock()

	q.clipStarted(started)
}

// startNextLocked pops clips until one starts or the queue is empty. Clips
// that fail to start count as completed immediately.
func (q *Queue) startNextLocked() *AudioClip {
	for len(q.queue) > 0 {
		clip := q.queue[0]
		q.queue[0] = AudioClip{}
		q.queue = q.queue[1:]

		if !q.admitted(clip.SessionID) {
			q.notifyIfCompletedLocked(clip.SessionID)
			continue
		}

		q.seq++
		seq := q.seq
		handle, err := q.device.Play(clip.Data, func(err error) {
			go q.finished(seq, err)
		})
		if err != nil {
			q.opts.Logger.Warn().Err(err).Str("session_id", clip.SessionID).Msg("clip failed to start")
			q.notifyIfCompletedLocked(clip.SessionID)
			continue
		}
		q.current = &current{clip: clip, seq: seq, handle: handle}
		q.setPlayingLocked(true)
		return &clip
	}
	q.setPlayingLocked(false)
	return nil
}

// notifyIfCompletedLocked reports that the queue ran dry for sessionID.
func (q *Queue) notifyIfCompletedLocked(sessionID string) {
	if q.current != nil && q.current.clip.SessionID == sessionID {
		return
	}
	for _, c := range q.queue {
		if c.SessionID == sessionID {
			return
		}
	}
	q.out.Push(Event{Kind: EventSessionCompleted, SessionID: sessionID})
}

func (q *Queue) setPlayingLocked(playing bool) {
	if q.playing == playing {
		return
	}
	q.playing = playing
	q.out.Push(Event{Kind: EventPlaybackState, Playing: playing})
}

func (q *Queue) admitted(sessionID string) bool {
	return q.opts.Admit == nil || q.opts.Admit(sessionID)
}

func (q *Queue) clipStarted(clip *AudioClip) {
	if clip != nil && q.opts.OnClipStart != nil {
		q.opts.OnClipStart(*clip)
	}
}

func clearTail(s []AudioClip, from int) {
	for i := from; i < len(s); i++ {
		s[i] = AudioClip{}
	}
}
