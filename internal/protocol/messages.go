package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/aetherium/internal/transcript"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSend         MessageType = "client_send"
	TypeClientControl      MessageType = "client_control"
	TypeMessageAdded       MessageType = "message_added"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeUsageStats         MessageType = "usage_stats"
	TypeGenerationState    MessageType = "generation_state"
	TypePlaybackState      MessageType = "playback_state"
	TypeSessionEnded       MessageType = "session_ended"
	TypeTranscriptReset    MessageType = "transcript_reset"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions accepted in client_control messages.
const (
	ActionStop  = "stop"
	ActionReset = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientSend struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type UsageStatsView struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	TokensPerSecond  float64  `json:"tokens_per_second"`
	TTFTMs           *float64 `json:"ttft_ms,omitempty"`
	TotalDurationMs  float64  `json:"total_duration_ms"`
}

type MessageView struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	SessionID string          `json:"session_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Stats     *UsageStatsView `json:"stats,omitempty"`
}

type MessageAdded struct {
	Type    MessageType `json:"type"`
	Message MessageView `json:"message"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	TextDelta string      `json:"text_delta"`
}

type UsageStats struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	Stats     UsageStatsView `json:"stats"`
}

type GenerationState struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Generating bool        `json:"generating"`
}

type PlaybackState struct {
	Type    MessageType `json:"type"`
	Playing bool        `json:"playing"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
}

type TranscriptReset struct {
	Type MessageType `json:"type"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSend:
		var msg ClientSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_send")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStop, ActionReset:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the type tag of a protocol message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientSend:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case MessageAdded:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case UsageStats:
		return m.Type, true
	case GenerationState:
		return m.Type, true
	case PlaybackState:
		return m.Type, true
	case SessionEnded:
		return m.Type, true
	case TranscriptReset:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

func NewMessageView(m transcript.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		SessionID: m.SessionID,
		CreatedAt: m.CreatedAt,
	}
	if m.Stats != nil {
		stats := NewUsageStatsView(*m.Stats)
		v.Stats = &stats
	}
	return v
}

func NewUsageStatsView(s transcript.UsageStats) UsageStatsView {
	v := UsageStatsView{
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens,
		TokensPerSecond:  s.TokensPerSecond,
		TotalDurationMs:  millis(s.TotalDuration),
	}
	if s.TimeToFirstToken != nil {
		ttft := millis(*s.TimeToFirstToken)
		v.TTFTMs = &ttft
	}
	return v
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
