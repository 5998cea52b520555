package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MockClient streams a deterministic reply when no completion service is
// configured. The reply is split into word-sized deltas.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) StreamChat(ctx context.Context, req ChatRequest, onEvent EventHandler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	reply := buildMockReply(req)
	completion := 0
	for _, word := range strings.SplitAfter(reply, " ") {
		if word == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		completion++
		if onEvent != nil {
			if err := onEvent(StreamEvent{Delta: word}); err != nil {
				return err
			}
		}
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += utf8.RuneCountInString(m.Content) / 4
	}
	if onEvent != nil {
		return onEvent(StreamEvent{Usage: &Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}})
	}
	return nil
}

func (c *MockClient) ListModels(context.Context) ([]string, error) {
	return []string{"mock-echo"}, nil
}

func buildMockReply(req ChatRequest) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you. You said: %s", last)
}
