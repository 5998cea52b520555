package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the conversation sent to the completion service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a streamed chat completion.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions asks the service to append a usage payload to the stream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamEvent is one parsed line of the completion stream. Delta and Usage
// may both be set when the service batches them.
type StreamEvent struct {
	Delta string
	Usage *Usage
}

// EventHandler receives stream events in arrival order. Returning an error
// aborts the stream.
type EventHandler func(StreamEvent) error

// Client talks to an OpenAI-compatible completion service.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest, onEvent EventHandler) error
	ListModels(ctx context.Context) ([]string, error)
}

// ErrMalformedEvent is returned in strict mode when a data line is not JSON.
var ErrMalformedEvent = errors.New("llm: malformed stream event")

// Config controls client construction.
type Config struct {
	Mode         string
	BaseURL      string
	StreamStrict bool
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.BaseURL) != "" {
			return NewHTTPClient(cfg.BaseURL, cfg.StreamStrict), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("llm base url is required for http mode")
		}
		return NewHTTPClient(cfg.BaseURL, cfg.StreamStrict), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm client mode %q", cfg.Mode)
	}
}
