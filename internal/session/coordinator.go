package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is how a session ended, or StatusActive while it is current.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusStopped    Status = "stopped"
	StatusSuperseded Status = "superseded"
)

// ErrNoActiveSession is returned when an operation needs a current session
// and none exists.
var ErrNoActiveSession = errors.New("no active session")

// Session describes one user turn.
type Session struct {
	ID        string    `json:"session_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Turn is a freshly minted session. Context is cancelled as soon as the
// session stops being current.
type Turn struct {
	ID        string
	Context   context.Context
	StartedAt time.Time
}

// SynthesisStage drops the queued and in-flight work of a session.
type SynthesisStage interface {
	CancelSession(sessionID string)
}

// PlaybackStage drops the clips of a session, or all clips.
type PlaybackStage interface {
	Cancel(sessionID string)
	StopAll()
}

type active struct {
	session Session
	cancel  context.CancelFunc
}

// Coordinator is the single owner of the current session id. IsActive is
// lock-free so stages can consult it at every step.
type Coordinator struct {
	current atomic.Pointer[active]

	mu       sync.Mutex
	synth    SynthesisStage
	player   PlaybackStage
	onRetire func(Session)
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Bind registers the stages that cancellation propagates to.
func (c *Coordinator) Bind(synth SynthesisStage, player PlaybackStage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synth = synth
	c.player = player
}

// SetRetireHook registers a callback invoked, outside the lock, whenever a
// session stops being current.
func (c *Coordinator) SetRetireHook(hook func(Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRetire = hook
}

// StartNewTurn mints a session and makes it current. The previous session,
// if any, is cancelled in every stage before this returns: its stream
// context first, then its synthesis work, then its playback.
func (c *Coordinator) StartNewTurn(parent context.Context) Turn {
	ctx, cancel := context.WithCancel(parent)
	next := &active{
		session: Session{ID: uuid.NewString(), Status: StatusActive, StartedAt: time.Now().UTC()},
		cancel:  cancel,
	}

	c.mu.Lock()
	prev := c.current.Swap(next)
	var retired *Session
	if prev != nil {
		c.cancelLocked(prev)
		if c.player != nil {
			c.player.Cancel(prev.session.ID)
		}
		retired = finish(prev, StatusSuperseded)
	}
	hook := c.onRetire
	c.mu.Unlock()

	if retired != nil && hook != nil {
		hook(*retired)
	}
	return Turn{ID: next.session.ID, Context: ctx, StartedAt: next.session.StartedAt}
}

// Stop cancels the current session, if any, and silences all playback.
// Afterwards no session is active.
func (c *Coordinator) Stop() (Session, bool) {
	c.mu.Lock()
	prev := c.current.Swap(nil)
	var retired *Session
	if prev != nil {
		c.cancelLocked(prev)
		retired = finish(prev, StatusStopped)
	}
	if c.player != nil {
		c.player.StopAll()
	}
	hook := c.onRetire
	c.mu.Unlock()

	if retired == nil {
		return Session{}, false
	}
	if hook != nil {
		hook(*retired)
	}
	return *retired, true
}

// Complete retires sessionID after its audio lifecycle ended. It returns
// false if sessionID is not the current session.
func (c *Coordinator) Complete(sessionID string) bool {
	c.mu.Lock()
	cur := c.current.Load()
	if cur == nil || cur.session.ID != sessionID {
		c.mu.Unlock()
		return false
	}
	c.current.Store(nil)
	cur.cancel()
	retired := finish(cur, StatusCompleted)
	hook := c.onRetire
	c.mu.Unlock()

	if hook != nil {
		hook(*retired)
	}
	return true
}

// IsActive reports whether sessionID is the current session.
func (c *Coordinator) IsActive(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	cur := c.current.Load()
	return cur != nil && cur.session.ID == sessionID
}

// Current returns the current session id, or "" if none is active.
func (c *Coordinator) Current() string {
	if cur := c.current.Load(); cur != nil {
		return cur.session.ID
	}
	return ""
}

func (c *Coordinator) cancelLocked(a *active) {
	a.cancel()
	if c.synth != nil {
		c.synth.CancelSession(a.session.ID)
	}
}

func finish(a *active, status Status) *Session {
	s := a.session
	s.Status = status
	s.EndedAt = time.Now().UTC()
	return &s
}
