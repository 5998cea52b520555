package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/aetherium/internal/reliability"
)

var tracer = otel.Tracer("github.com/antoniostano/aetherium/internal/voicevox")

// HTTPClient calls a VOICEVOX engine.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for baseURL (for example http://127.0.0.1:50021).
// Requests carry no deadline of their own; callers cancel through ctx.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{},
	}
}

func (c *HTTPClient) AudioQuery(ctx context.Context, text string, speaker int) (AudioQuery, error) {
	ctx, span := tracer.Start(ctx, "voicevox.audio_query", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("voicevox.speaker", speaker), attribute.Int("voicevox.text_len", len(text)))

	q := url.Values{}
	q.Set("text", text)
	q.Set("speaker", strconv.Itoa(speaker))
	body, err := c.post(ctx, "/audio_query?"+q.Encode(), nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("audio_query: %w", err)
	}

	var query AudioQuery
	if err := json.Unmarshal(body, &query); err != nil {
		span.SetStatus(codes.Error, "decode")
		return nil, fmt.Errorf("decode audio_query: %w", err)
	}
	return query, nil
}

func (c *HTTPClient) Synthesize(ctx context.Context, query AudioQuery, speaker int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "voicevox.synthesis", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("voicevox.speaker", speaker))

	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal audio_query: %w", err)
	}
	q := url.Values{}
	q.Set("speaker", strconv.Itoa(speaker))
	clip, err := c.post(ctx, "/synthesis?"+q.Encode(), payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	if len(clip) == 0 {
		return nil, ErrEmptyAudio
	}
	span.SetAttributes(attribute.Int("voicevox.clip_bytes", len(clip)))
	return clip, nil
}

func (c *HTTPClient) Speakers(ctx context.Context) ([]Speaker, error) {
	ctx, span := tracer.Start(ctx, "voicevox.speakers", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("speakers: %w", err)
	}
	var speakers []Speaker
	if err := json.Unmarshal(body, &speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}
	return speakers, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &reliability.StatusError{Service: "voicevox", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
