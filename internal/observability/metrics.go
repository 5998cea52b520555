package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stage names recorded in the latency window.
const (
	StageFirstToken   = "request_to_first_token"
	StageFirstChunk   = "request_to_first_chunk"
	StageFirstAudio   = "request_to_first_audio"
	StageAudioQuery   = "synthesis_audio_query"
	StageSynthesis    = "synthesis_render"
	StageChunkToAudio = "chunk_to_clip"
	StageTurnTotal    = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Sessions          *prometheus.CounterVec
	Generating        prometheus.Gauge
	Playing           prometheus.Gauge
	StreamDeltas      prometheus.Counter
	SpeechChunks      *prometheus.CounterVec
	StageErrors       *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	SynthesisLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Sessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Retired sessions by final status.",
		}, []string{"status"}),
		Generating: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generating",
			Help:      "1 while a completion stream is open.",
		}),
		Playing: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playing",
			Help:      "1 while the playback queue is playing a clip.",
		}),
		StreamDeltas: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_deltas_total",
			Help:      "Content deltas received from the completion service.",
		}),
		SpeechChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_chunks_total",
			Help:      "Speech chunks by outcome.",
		}, []string{"outcome"}),
		StageErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline errors by error kind.",
		}, []string{"kind"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from request start to the first clip of a turn in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2000, 3000, 5000},
		}),
		SynthesisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Latency of query plus render for one speech chunk in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
	switch stage {
	case StageFirstAudio:
		m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	case StageChunkToAudio:
		m.SynthesisLatency.Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) IncSession(status string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDelta() {
	if m == nil {
		return
	}
	m.StreamDeltas.Inc()
}

func (m *Metrics) IncChunk(outcome string) {
	if m == nil {
		return
	}
	m.SpeechChunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStageError(kind string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetGenerating(on bool) {
	if m == nil {
		return
	}
	m.Generating.Set(boolGauge(on))
}

func (m *Metrics) SetPlaying(on bool) {
	if m == nil {
		return
	}
	m.Playing.Set(boolGauge(on))
}

// StageSnapshot summarizes the recent stage latencies.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
