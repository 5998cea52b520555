package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/aetherium/internal/reliability"
)

var tracer = otel.Tracer("github.com/antoniostano/aetherium/internal/llm")

const doneSentinel = "[DONE]"

// HTTPClient streams chat completions over server-sent events.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	strict  bool
}

// NewHTTPClient builds a client for baseURL (for example http://127.0.0.1:1234/v1).
// Requests carry no deadline of their own; callers cancel through ctx.
func NewHTTPClient(baseURL string, strict bool) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{},
		strict:  strict,
	}
}

func (c *HTTPClient) StreamChat(ctx context.Context, req ChatRequest, onEvent EventHandler) error {
	ctx, span := tracer.Start(ctx, "llm.stream_chat", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	req.Stream = true
	req.StreamOptions = &StreamOptions{IncludeUsage: true}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	res, err := c.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, "send request")
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		span.SetStatus(codes.Error, res.Status)
		return &reliability.StatusError{Service: "llm", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := c.consumeSSE(ctx, res.Body, onEvent); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream")
		return err
	}
	return nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *HTTPClient) consumeSSE(ctx context.Context, body io.Reader, onEvent EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if c.strict {
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
			continue
		}

		ev := StreamEvent{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			ev.Delta = chunk.Choices[0].Delta.Content
		}
		if ev.Delta == "" && ev.Usage == nil {
			continue
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *HTTPClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "llm.list_models", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, "send request")
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &reliability.StatusError{Service: "llm", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var list modelList
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if id := strings.TrimSpace(m.ID); id != "" {
			out = append(out, id)
		}
	}
	span.SetAttributes(attribute.Int("llm.models", len(out)))
	return out, nil
}
