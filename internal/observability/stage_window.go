package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats is the latency summary of one pipeline stage over the samples
// still held in its window. Durations are milliseconds rounded to 0.01.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts a discrete pipeline occurrence such as a dropped chunk.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is what GET /v1/perf/stages returns. Stages and Indicators
// are sorted by name.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageTargetsP95MS are the latency budgets reported next to each stage.
var stageTargetsP95MS = map[string]float64{
	StageFirstToken:   800,
	StageFirstChunk:   1200,
	StageFirstAudio:   2000,
	StageChunkToAudio: 600,
}

// sampleRing holds the latest len(buf) samples, overwriting the oldest.
type sampleRing struct {
	buf   []float64
	count int
	last  float64
}

func (r *sampleRing) push(v float64) {
	r.buf[r.count%len(r.buf)] = v
	r.count++
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:min(r.count, len(r.buf))])
	slices.Sort(out)
	return out
}

func (r *sampleRing) stats(stage string) StageStats {
	samples := r.sorted()
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(percentile(samples, 0.50)),
		P95MS:       round2(percentile(samples, 0.95)),
		P99MS:       round2(percentile(samples, 0.99)),
		TargetP95MS: stageTargetsP95MS[stage],
	}
}

type stageWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*sampleRing
	counts map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	w := &stageWindow{size: size}
	w.Reset()
	return w
}

// Observe records one latency sample in milliseconds. Negative samples and
// unnamed stages are ignored.
func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		if r := w.rings[stage]; r.count > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.counts)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

// Reset drops every sample and indicator count.
func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*sampleRing)
	w.counts = make(map[string]int)
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
