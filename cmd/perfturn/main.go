package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/aetherium/internal/protocol"
)

type options struct {
	baseURL        string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	interruptAfter time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Playing bool   `json:"playing,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// turnTiming holds offsets from the moment a turn was sent.
type turnTiming struct {
	firstDelta time.Duration
	firstAudio time.Duration
	ended      time.Duration
	status     string
}

var defaultUtterances = []string{
	"Reply in three short sentences: what is latency?",
	"Reply in two sentences: why stream audio?",
	"Reply in one sentence: what is a session?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int
	var interruptMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	flag.IntVar(&cfg.turns, "turns", 6, "number of turns to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for session_ended per turn in milliseconds")
	flag.IntVar(&interruptMS, "interrupt-after-ms", 0, "send a stop this long after each turn starts (0 disables)")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if interruptMS < 0 {
		interruptMS = 0
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.interruptAfter = time.Duration(interruptMS) * time.Millisecond

	texts, err := parseTexts(textsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.texts = texts
	return cfg, nil
}

func parseTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL, err := eventsURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfturn: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}

		sentAt := time.Now()
		if err := conn.WriteJSON(protocol.ClientSend{Type: protocol.TypeClientSend, Text: text}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}

		var (
			interrupt <-chan time.Time
			stopTimer = func() bool { return false }
		)
		if cfg.interruptAfter > 0 {
			timer := time.NewTimer(cfg.interruptAfter)
			interrupt = timer.C
			stopTimer = timer.Stop
		}

		timing, err := awaitTurn(conn, sentAt, events, readErrCh, interrupt, cfg.turnTimeout)
		stopTimer()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("perfturn: turn %d status=%s first_delta=%s first_audio=%s ended=%s\n",
				i+1, timing.status, timing.firstDelta, timing.firstAudio, timing.ended)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(timings)
	return nil
}

func awaitTurn(conn *websocket.Conn, sentAt time.Time, events <-chan wsEnvelope, readErrCh <-chan error, interrupt <-chan time.Time, timeout time.Duration) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var t turnTiming
	for {
		select {
		case ev := <-events:
			elapsed := time.Since(sentAt)
			switch ev.Type {
			case string(protocol.TypeAssistantTextDelta):
				if t.firstDelta == 0 {
					t.firstDelta = elapsed
				}
			case string(protocol.TypePlaybackState):
				if ev.Playing && t.firstAudio == 0 {
					t.firstAudio = elapsed
				}
			case string(protocol.TypeSessionEnded):
				t.ended = elapsed
				t.status = ev.Status
				return t, nil
			}
		case <-interrupt:
			interrupt = nil
			msg := protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStop}
			if err := conn.WriteJSON(msg); err != nil {
				return t, fmt.Errorf("send stop: %w", err)
			}
		case err := <-readErrCh:
			return t, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return t, fmt.Errorf("timeout after %s waiting for session_ended", timeout)
		}
	}
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "perfturn: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		events <- env
	}
}

type latencySummary struct {
	Count int
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// summarize ignores zero samples, which mark stages a turn never reached.
func summarize(samples []time.Duration) latencySummary {
	sorted := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			sorted = append(sorted, s)
		}
	}
	if len(sorted) == 0 {
		return latencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return latencySummary{
		Count: len(sorted),
		P50:   nearestRank(sorted, 0.50),
		P95:   nearestRank(sorted, 0.95),
		Max:   sorted[len(sorted)-1],
	}
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(timings []turnTiming) {
	var deltas, audio, ended []time.Duration
	statuses := map[string]int{}
	for _, t := range timings {
		deltas = append(deltas, t.firstDelta)
		audio = append(audio, t.firstAudio)
		ended = append(ended, t.ended)
		statuses[t.status]++
	}
	for _, row := range []struct {
		name    string
		samples []time.Duration
	}{
		{"first_delta", deltas},
		{"first_audio", audio},
		{"session_end", ended},
	} {
		s := summarize(row.samples)
		fmt.Printf("perfturn: %-12s n=%d p50=%s p95=%s max=%s\n", row.name, s.Count, s.P50, s.P95, s.Max)
	}
	fmt.Printf("perfturn: statuses=%v\n", statuses)
}
