package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages observed per call.
const (
	StageProviderHandshake = "provider_handshake"
	StageFirstAgentAudio   = "first_agent_audio"
	StageBargeInToSilence  = "barge_in_to_silence"
	StageCancelAck         = "cancel_ack"
	StageToolCall          = "tool_call"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples per stage so operators can read
// p95 latencies without a metrics backend.
type stageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	count  int
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	if r.count < len(r.values) {
		r.count++
	}
	r.last = v
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.values[:r.count])
	slices.Sort(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(float64(d.Microseconds()) / 1000)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size}
	stages := make([]string, 0, len(w.rings))
	for stage := range w.rings {
		stages = append(stages, stage)
	}
	slices.Sort(stages)
	for _, stage := range stages {
		r := w.rings[stage]
		if r.count == 0 {
			continue
		}
		samples := r.sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		st := StageStats{
			Stage:       stage,
			Samples:     r.count,
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(r.count)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			MaxMS:       round2(samples[len(samples)-1]),
			TargetP95MS: stageTargetP95MS(stage),
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		snap.Stages = append(snap.Stages, st)
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	q = math.Max(0, math.Min(1, q))
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageTargetP95MS is the latency budget a call stage should meet at p95.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageProviderHandshake:
		return 1500
	case StageFirstAgentAudio:
		return 1200
	case StageBargeInToSilence:
		return 120
	case StageCancelAck:
		return 600
	case StageToolCall:
		return 3000
	default:
		return 0
	}
}
