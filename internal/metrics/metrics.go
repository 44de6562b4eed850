// Package metrics exposes Prometheus collectors for the routing engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "supportdesk"

// Turn outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeDegraded      = "degraded"
	OutcomeRoutingFailed = "routing_failed"
	OutcomeHumanOnly     = "human_only"
)

// Metrics holds the collectors shared across components.
type Metrics struct {
	connections     prometheus.Gauge
	groups          prometheus.Gauge
	framesSent      *prometheus.CounterVec
	sendFailures    prometheus.Counter
	invalidFrames   prometheus.Counter
	turns           *prometheus.CounterVec
	generation      prometheus.Histogram
	escalations     prometheus.Counter
	sessions        prometheus.Gauge
	assignments     *prometheus.CounterVec
	routingFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live duplex connections held by the registry.",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_groups_active",
			Help:      "Conversations with at least one live connection.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames delivered to connections, by frame type.",
		}, []string{"type"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed channel sends that caused a connection to be dropped.",
		}),
		invalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed conversation turns, by outcome.",
		}, []string{"outcome"}),
		generation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Wall-clock latency of text generation calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Conversations escalated to a human.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live (agent, conversation) processing sessions.",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_assignments_total",
			Help:      "Conversations assigned to agents.",
		}, []string{"agent_id"}),
		routingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Failed agent selections, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.connections, m.groups, m.framesSent, m.sendFailures, m.invalidFrames,
		m.turns, m.generation, m.escalations, m.sessions, m.assignments, m.routingFailures,
	)
	return m
}

// ConnectionOpened records a new registry member.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed records a removed registry member.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// GroupsChanged records the number of live conversation groups.
func (m *Metrics) GroupsChanged(n int) {
	if m == nil {
		return
	}
	m.groups.Set(float64(n))
}

// FramesSent adds n deliveries of the given frame type.
func (m *Metrics) FramesSent(frameType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesSent.WithLabelValues(frameType).Add(float64(n))
}

// SendFailed records a dropped connection.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// InvalidFrame records an undecodable inbound frame.
func (m *Metrics) InvalidFrame() {
	if m == nil {
		return
	}
	m.invalidFrames.Inc()
}

// Turn records a turn outcome.
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// Generation observes a generation call's latency.
func (m *Metrics) Generation(d time.Duration) {
	if m == nil {
		return
	}
	m.generation.Observe(d.Seconds())
}

// Escalated records an escalation.
func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// SessionsChanged records the number of live sessions.
func (m *Metrics) SessionsChanged(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// Assigned records an agent assignment.
func (m *Metrics) Assigned(agentID string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(agentID).Inc()
}

// RoutingFailed records a failed agent selection.
func (m *Metrics) RoutingFailed(reason string) {
	if m == nil {
		return
	}
	m.routingFailures.WithLabelValues(reason).Inc()
}
