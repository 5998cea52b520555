package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UsageStats summarizes one completed generation.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TokensPerSecond  float64
	// TimeToFirstToken is nil when no content delta arrived before usage.
	TimeToFirstToken *time.Duration
	TotalDuration    time.Duration
}

// Message is one transcript entry. Content grows while the assistant
// message of the active session is streaming.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Stats     *UsageStats
	SessionID string
	CreatedAt time.Time
}

// Transcript is the ordered conversation. Writers are expected to be a
// single update loop; readers may snapshot from any goroutine.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
}

func New() *Transcript {
	return &Transcript{}
}

// Append adds m and returns its id, assigning one if missing.
func (t *Transcript) Append(m Message) string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.messages = append(t.messages, m)
	t.mu.Unlock()
	return m.ID
}

// AppendContent extends the content of message id.
func (t *Transcript) AppendContent(id, delta string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.messages[i].Content += delta
	return true
}

// SetStats attaches usage statistics to message id.
func (t *Transcript) SetStats(id string, stats UsageStats) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	s := stats
	t.messages[i].Stats = &s
	return true
}

// Get returns a copy of message id.
func (t *Transcript) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	return cloneMessage(t.messages[i]), true
}

// Snapshot returns a copy of every message in order.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Reset drops every message.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

func (t *Transcript) indexLocked(id string) int {
	// Newest first: streaming appends always target the tail.
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneMessage(m Message) Message {
	if m.Stats != nil {
		s := *m.Stats
		if s.TimeToFirstToken != nil {
			ttft := *s.TimeToFirstToken
			s.TimeToFirstToken = &ttft
		}
		m.Stats = &s
	}
	return m
}
