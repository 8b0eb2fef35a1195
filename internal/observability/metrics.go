package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	CapturesTotal     *prometheus.CounterVec
	AutoStops         prometheus.Counter
	ActiveRecordings  prometheus.Gauge
	PlaybackEvents    *prometheus.CounterVec
	SynthesisFailures *prometheus.CounterVec
	RecognitionCycles *prometheus.CounterVec
	ConversationTurns *prometheus.CounterVec
	GatewayRequests   *prometheus.CounterVec
	GatewayLatency    prometheus.Histogram
	ActiveSurfaces    prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	gateway           *gatewayCalls
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		CapturesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Finished capture sessions by outcome.",
		}, []string{"outcome"}),
		AutoStops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_stops_total",
			Help:      "Recordings ended by the silence detector.",
		}),
		ActiveRecordings: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recordings",
			Help:      "Capture sessions currently holding the microphone.",
		}),
		PlaybackEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_events_total",
			Help:      "Playback channel transitions by resulting state.",
		}, []string{"state"}),
		SynthesisFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Swallowed speech synthesis failures by reason.",
		}, []string{"reason"}),
		RecognitionCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_cycles_total",
			Help:      "Recognition listen cycles by outcome.",
		}, []string{"outcome"}),
		ConversationTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Conversation loop turns by classified intent.",
		}, []string{"intent"}),
		GatewayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Backend requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		GatewayLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_ms",
			Help:      "Backend request latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ActiveSurfaces: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_surfaces",
			Help:      "Mounted UI surfaces.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gateway: newGatewayCalls(256),
	}
}

func (m *Metrics) CaptureFinished(outcome string) {
	if m == nil {
		return
	}
	m.CapturesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AutoStopped() {
	if m == nil {
		return
	}
	m.AutoStops.Inc()
}

func (m *Metrics) RecordingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveRecordings.Inc()
		return
	}
	m.ActiveRecordings.Dec()
}

func (m *Metrics) PlaybackTransition(state string) {
	if m == nil {
		return
	}
	m.PlaybackEvents.WithLabelValues(state).Inc()
}

func (m *Metrics) SynthesisFailed(reason string) {
	if m == nil {
		return
	}
	m.SynthesisFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecognitionCycle(outcome string) {
	if m == nil {
		return
	}
	m.RecognitionCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConversationTurn(intent string) {
	if m == nil {
		return
	}
	m.ConversationTurns.WithLabelValues(intent).Inc()
}

// ObserveGatewayRequest records one backend round trip.
func (m *Metrics) ObserveGatewayRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.GatewayRequests.WithLabelValues(endpoint, outcome).Inc()
	m.GatewayLatency.Observe(ms)
	m.gateway.record(endpoint, outcome, d)
}

func (m *Metrics) SurfaceMounted(delta int) {
	if m == nil {
		return
	}
	m.ActiveSurfaces.Add(float64(delta))
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SnapshotLatency returns percentile stats of recent backend latencies.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.gateway.snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.gateway.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
