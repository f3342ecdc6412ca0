package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls         prometheus.Gauge
	CallEvents          *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	GuardDecisions      *prometheus.CounterVec
	Terminations        *prometheus.CounterVec
	PendingAudioEvicted prometheus.Counter
	AgentConnectLatency prometheus.Histogram
	CallDuration        *prometheus.HistogramVec

	outcomes *outcomeWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls with a live media stream.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by leg, direction and type.",
		}, []string{"leg", "direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		GuardDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "termination_guard_decisions_total",
			Help:      "Termination guard verdicts by signal source and action.",
		}, []string{"source", "action"}),
		Terminations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_terminations_total",
			Help:      "Ended calls by termination reason.",
		}, []string{"reason"}),
		PendingAudioEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_audio_evicted_total",
			Help:      "Inbound audio frames evicted from a full pending buffer.",
		}),
		AgentConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_connect_latency_ms",
			Help:      "Latency from stream start to a ready agent connection in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		CallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Stream start to teardown by termination reason.",
			Buckets:   []float64{15, 30, 60, 120, 240, 480, 900},
		}, []string{"reason"}),
		outcomes: newOutcomeWindow(256),
	}
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(leg, direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(leg, direction, msgType).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) GuardDecision(source, action string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.GuardDecisions.WithLabelValues(source, action).Inc()
}

func (m *Metrics) Terminated(reason string) {
	if m == nil {
		return
	}
	m.Terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) PendingEvicted() {
	if m == nil {
		return
	}
	m.PendingAudioEvicted.Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) ObserveAgentConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.AgentConnectLatency.Observe(float64(d.Milliseconds()))
}

// ObserveCall records an ended call in the duration histogram and the
// recent-outcome window.
func (m *Metrics) ObserveCall(o CallOutcome) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(o.Reason).Observe(o.Duration.Seconds())
	m.outcomes.Add(o)
}

func (m *Metrics) SnapshotOutcomes() OutcomeSnapshot {
	if m == nil {
		return OutcomeSnapshot{GeneratedAt: time.Now().UTC(), Reasons: []ReasonSummary{}}
	}
	return m.outcomes.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
