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
	ActiveSessions *prometheus.GaugeVec
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	TurnOutcomes   *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	IngestBytes    prometheus.Counter
	DroppedAudio   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions by turn state.",
		}, []string{"state"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Completed turns by source and outcome.",
		}, []string{"source", "outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by error kind and code.",
		}, []string{"kind", "code"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000, 4000, 8000},
		}, []string{"stage"}),
		IngestBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Inbound audio bytes accepted into ingest buffers.",
		}),
		DroppedAudio: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_chunks_total",
			Help:      "Outbound audio chunks discarded because their turn was cancelled.",
		}),
	}
}

// ObserveStage records a stage latency. A nil receiver is a no-op so
// components can run without metrics in tests.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) TurnOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ProviderError(kind, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

// StateTransition moves one session from one state gauge to another.
func (m *Metrics) StateTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.ActiveSessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ActiveSessions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) AddIngestBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IngestBytes.Add(float64(n))
}

func (m *Metrics) AudioDropped() {
	if m == nil {
		return
	}
	m.DroppedAudio.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
