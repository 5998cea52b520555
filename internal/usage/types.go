package usage

import (
	"context"
	"time"
)

// Record is the token accounting of one completed generation. Message text
// is never stored.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	TokensPerSecond  float64   `json:"tokens_per_second"`
	TTFTMs           *float64  `json:"ttft_ms,omitempty"`
	TotalDurationMs  float64   `json:"total_duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store persists usage records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	// Recent returns up to limit records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

const defaultRecentLimit = 50

func normalize(rec Record, newID func() string) Record {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}
