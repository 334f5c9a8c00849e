// Package metrics exports call session counters to prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teleconsult"

type Metrics struct {
	sessionsActive prometheus.Gauge
	transitions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	chatMessages   *prometheus.CounterVec
	candidates     *prometheus.CounterVec
	tracksActive   prometheus.Gauge
	callDuration   prometheus.Histogram
}

// New registers the collectors on reg. Pass a fresh prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "sessions_active",
			Help:      "Number of call sessions not yet in a terminal state",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Session FSM transitions",
		}, []string{"from", "to"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "failures_total",
			Help:      "Sessions that reached the failed state, by reason class",
		}, []string{"reason"}),
		chatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Chat messages sent and received over the data channel",
		}, []string{"direction"}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ice",
			Name:      "remote_candidates_total",
			Help:      "Remote ICE candidates by outcome",
		}, []string{"outcome"}),
		tracksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "tracks_active",
			Help:      "Local capture tracks currently holding a device",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Connected call duration",
			Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(durationSec float64) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if durationSec > 0 {
		m.callDuration.Observe(durationSec)
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ChatMessage(direction string) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) Candidate(outcome string) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TracksAcquired(n int) {
	if m == nil {
		return
	}
	m.tracksActive.Add(float64(n))
}

func (m *Metrics) TracksReleased(n int) {
	if m == nil {
		return
	}
	m.tracksActive.Sub(float64(n))
}
