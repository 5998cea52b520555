package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/antoniostano/aetherium/internal/config"
	"github.com/antoniostano/aetherium/internal/observability"
	"github.com/antoniostano/aetherium/internal/protocol"
	"github.com/antoniostano/aetherium/internal/session"
	"github.com/antoniostano/aetherium/internal/transcript"
	"github.com/antoniostano/aetherium/internal/usage"
	"github.com/antoniostano/aetherium/internal/voice"
	"github.com/antoniostano/aetherium/internal/voicevox"
)

// Pipeline is the conversation surface the API drives.
type Pipeline interface {
	SendTurn(ctx context.Context, text string) (string, error)
	Stop(ctx context.Context) (session.Session, error)
	Reset(ctx context.Context) error
	Messages() []transcript.Message
	State() voice.State
	Settings() voice.Settings
	UpdateSettings(u voice.SettingsUpdate) (voice.Settings, error)
	RefreshModels(ctx context.Context) []string
	RefreshSpeakers(ctx context.Context) []voicevox.Voice
	Subscribe() (<-chan any, func())
}

type Server struct {
	cfg      config.Config
	pipeline Pipeline
	usage    usage.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, pipeline Pipeline, usageStore usage.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		usage:    usageStore,
		metrics:  metrics,
		log:      logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleSendTurn)
		r.Post("/stop", s.handleStop)
		r.Post("/reset", s.handleReset)
		r.Get("/messages", s.handleMessages)
		r.Get("/state", s.handleState)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/models", s.handleListModels)
		r.Get("/speakers", s.handleListSpeakers)
		r.Get("/usage", s.handleUsage)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Delete("/perf/latency", s.handleResetPerfLatency)
		r.Get("/events", s.handleEventsWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"llm_mode":    s.cfg.LLMMode,
		"synth_mode":  s.cfg.SynthesisMode,
		"audio":       s.cfg.AudioOutput,
		"usage_store": s.cfg.UsageStore,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"state":  s.pipeline.State(),
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Replies to this client share the writer with pipeline events.
	replies := make(chan any, 32)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					cancel()
					return
				}
				msg = ev
			case reply := <-replies:
				msg = reply
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.IncWSMessage("outbound", "write_error")
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.IncWSMessage("outbound", string(t))
			}
		}
	}()

	reply := func(msg any) {
		select {
		case replies <- msg:
		default:
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.IncWSMessage("dropped", string(t))
			}
		}
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.IncWSMessage("inbound", string(t))
		}
		if errEvent, failed := s.dispatch(ctx, parsed); failed {
			reply(errEvent)
		}
	}

	cancel()
	<-writerDone
}

// dispatch runs one client command. Pipeline events report its effects;
// only failures are answered directly.
func (s *Server) dispatch(ctx context.Context, msg any) (protocol.ErrorEvent, bool) {
	var err error
	switch m := msg.(type) {
	case protocol.ClientSend:
		_, err = s.pipeline.SendTurn(ctx, m.Text)
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionStop:
			if _, err = s.pipeline.Stop(ctx); errors.Is(err, session.ErrNoActiveSession) {
				err = nil
			}
		case protocol.ActionReset:
			err = s.pipeline.Reset(ctx)
		}
	}
	if err == nil {
		return protocol.ErrorEvent{}, false
	}
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   "command_failed",
		Source: "gateway",
		Detail: err.Error(),
	}, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
