package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/aetherium/internal/config"
	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/playback"
	"github.com/antoniostano/aetherium/internal/protocol"
	"github.com/antoniostano/aetherium/internal/usage"
	"github.com/antoniostano/aetherium/internal/voice"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

func newTestServer(t *testing.T, name string) (*httptest.Server, *playback.MockDevice) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d", name, time.Now().UnixNano()))
	store := usage.NewInMemoryStore(0)

	device := playback.NewMockDevice()
	device.Speed = 200

	orchestrator := voice.NewOrchestrator(voice.OrchestratorOptions{
		LLM:      llm.NewMockClient(),
		TTS:      voicevox.NewMockClient(),
		Device:   device,
		Usage:    store,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
		Settings: voice.Settings{SpeakerID: 3, SpeedScale: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = orchestrator.Run(ctx)
	}()

	cfg := config.Default()
	cfg.LLMMode = "mock"
	cfg.SynthesisMode = "mock"
	cfg.AudioOutput = "mock"
	srv := New(cfg, orchestrator, store, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-runDone
	})
	return ts, device
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func sendJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t, "health")

	var health map[string]any
	if status := getJSON(t, ts.URL+"/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", status, http.StatusOK)
	}
	if health["llm_mode"] != "mock" {
		t.Fatalf("llm_mode = %v, want mock", health["llm_mode"])
	}
	if status := getJSON(t, ts.URL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", status, http.StatusOK)
	}

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestSendTurnSpeaksAndRecordsUsage(t *testing.T) {
	ts, device := newTestServer(t, "turn")

	var created sendTurnResponse
	if status := sendJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]string{"text": "hello"}, &created); status != http.StatusAccepted {
		t.Fatalf("send status = %d, want %d", status, http.StatusAccepted)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in response")
	}

	eventually(t, "usage record", func() bool {
		var out struct {
			Records []usage.Record `json:"records"`
		}
		getJSON(t, ts.URL+"/v1/usage", &out)
		return len(out.Records) == 1
	})
	eventually(t, "idle state", func() bool {
		var st voice.State
		getJSON(t, ts.URL+"/v1/state", &st)
		return st.SessionID == "" && !st.Generating && !st.Playing
	})

	var msgs struct {
		Messages []protocol.MessageView `json:"messages"`
	}
	getJSON(t, ts.URL+"/v1/messages", &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs.Messages))
	}
	if msgs.Messages[0].Role != "user" || msgs.Messages[0].Content != "hello" {
		t.Fatalf("messages[0] = %+v, want user hello", msgs.Messages[0])
	}
	if got := msgs.Messages[1].Content; got != "I heard you. You said: hello" {
		t.Fatalf("assistant content = %q", got)
	}
	if msgs.Messages[1].Stats == nil {
		t.Fatalf("assistant stats = nil, want usage")
	}

	var perf observability.StageSnapshot
	if status := getJSON(t, ts.URL+"/v1/perf/latency", &perf); status != http.StatusOK {
		t.Fatalf("perf status = %d, want %d", status, http.StatusOK)
	}
	if len(perf.Stages) == 0 {
		t.Fatalf("perf stages empty after a turn")
	}
	if device.Played() == 0 {
		t.Fatalf("Played() = 0, want clips played")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/latency", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE perf error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestSendTurnRejectsEmptyText(t *testing.T) {
	ts, _ := newTestServer(t, "empty")

	var out errorResponse
	if status := sendJSON(t, http.MethodPost, ts.URL+"/v1/turns", map[string]string{"text": "   "}, &out); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if out.Code != "empty_input" {
		t.Fatalf("code = %q, want empty_input", out.Code)
	}
}

func TestSettingsValidation(t *testing.T) {
	ts, _ := newTestServer(t, "settings")

	if status := sendJSON(t, http.MethodPut, ts.URL+"/v1/settings", map[string]any{"speed_scale": 3.0}, nil); status != http.StatusBadRequest {
		t.Fatalf("invalid speed status = %d, want %d", status, http.StatusBadRequest)
	}

	var updated voice.Settings
	if status := sendJSON(t, http.MethodPut, ts.URL+"/v1/settings", map[string]any{"speed_scale": 1.5, "speaker_id": 3}, &updated); status != http.StatusOK {
		t.Fatalf("update status = %d, want %d", status, http.StatusOK)
	}
	var got voice.Settings
	getJSON(t, ts.URL+"/v1/settings", &got)
	if got.SpeedScale != 1.5 || got.SpeakerID != 3 {
		t.Fatalf("settings = %+v, want speed 1.5 speaker 3", got)
	}
}

func TestListModelsSelectsFirst(t *testing.T) {
	ts, _ := newTestServer(t, "models")

	var out listModelsResponse
	if status := getJSON(t, ts.URL+"/v1/models", &out); status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if len(out.Models) != 1 || out.Models[0] != "mock-echo" {
		t.Fatalf("models = %q, want [mock-echo]", out.Models)
	}
	if out.Selected != "mock-echo" {
		t.Fatalf("selected = %q, want mock-echo", out.Selected)
	}

	var speakers listSpeakersResponse
	getJSON(t, ts.URL+"/v1/speakers", &speakers)
	if len(speakers.Speakers) != 1 || speakers.Selected != 3 {
		t.Fatalf("speakers = %+v, want one voice with id 3 selected", speakers)
	}
}

func TestStopWithoutSession(t *testing.T) {
	ts, _ := newTestServer(t, "stop")

	var out stopResponse
	if status := sendJSON(t, http.MethodPost, ts.URL+"/v1/stop", nil, &out); status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if out.Stopped {
		t.Fatalf("stopped = true, want false")
	}
}

func TestEventsWebSocketTurn(t *testing.T) {
	ts, _ := newTestServer(t, "ws")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_send","text":""}`)); err != nil {
		t.Fatalf("write invalid error = %v", err)
	}
	if err := conn.WriteJSON(protocol.ClientSend{Type: protocol.TypeClientSend, Text: "ping"}); err != nil {
		t.Fatalf("write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	seen := map[string]bool{}
	status := ""
	for status == "" {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %v (seen %v)", err, seen)
		}
		var ev struct {
			Type   string `json:"type"`
			Status string `json:"status"`
			Code   string `json:"code"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		seen[ev.Type] = true
		if ev.Type == string(protocol.TypeErrorEvent) && ev.Code != "invalid_client_message" {
			t.Fatalf("unexpected error event: %s", data)
		}
		if ev.Type == string(protocol.TypeSessionEnded) {
			status = ev.Status
		}
	}

	if status != "completed" {
		t.Fatalf("session_ended status = %q, want completed", status)
	}
	for _, typ := range []protocol.MessageType{
		protocol.TypeErrorEvent,
		protocol.TypeMessageAdded,
		protocol.TypeAssistantTextDelta,
		protocol.TypeUsageStats,
		protocol.TypePlaybackState,
	} {
		if !seen[string(typ)] {
			t.Fatalf("event %q not seen (seen %v)", typ, seen)
		}
	}
}
