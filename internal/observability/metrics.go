package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	SessionEnds        *prometheus.CounterVec
	BargeIns           *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	JitterEvents       *prometheus.CounterVec
	ForcedTerminations prometheus.Counter
	HandshakeLatency   *prometheus.HistogramVec
	FirstAudioLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of calls currently bridged.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SessionEnds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ends_total",
			Help:      "Ended calls by reason code.",
		}, []string{"reason"}),
		BargeIns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Confirmed barge-ins by turn detection mode.",
		}, []string{"mode"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and final status.",
		}, []string{"tool", "status"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		JitterEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_jitter_events_total",
			Help:      "RTP packets lost, late or duplicated.",
		}, []string{"event"}),
		ForcedTerminations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_terminations_total",
			Help:      "Calls force-terminated at shutdown.",
		}),
		HandshakeLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_handshake_ms",
			Help:      "Provider handshake duration in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}, []string{"provider"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_agent_audio_ms",
			Help:      "Latency from call start to the first agent audio frame in milliseconds.",
			Buckets:   []float64{250, 500, 750, 1000, 1500, 2000, 3000, 5000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveHandshake(provider string, d time.Duration) {
	m.HandshakeLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageProviderHandshake, d)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstAgentAudio, d)
}

// ObserveStage records one latency sample for the stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, d)
}

// ObserveIndicator counts an operational event in the stage window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
