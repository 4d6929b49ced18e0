// ABOUTME: Collectors describing the manager: connected agents and correlated requests
// ABOUTME: Manager is nil-safe so tests can build a gateway without a registry

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Manager reports registry and correlation activity.
type Manager struct {
	agentsConnected     prometheus.Gauge
	requestsPending     prometheus.Gauge
	requestsTotal       *prometheus.CounterVec
	correlationTimeouts prometheus.Counter
	orphanReplies       prometheus.Counter
}

// MustNewManager constructs manager collectors on reg. A nil reg uses the
// default registerer.
func MustNewManager(reg prometheus.Registerer) *Manager {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Manager{
		agentsConnected: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "agents_connected",
			Help:      "Agents currently registered.",
		})),
		requestsPending: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "requests_pending",
			Help:      "Requests forwarded to agents and awaiting a reply.",
		})),
		requestsTotal: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "requests_total",
			Help:      "Requests handled, by kind and outcome.",
		}, []string{"kind", "outcome"})),
		correlationTimeouts: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "correlation_timeouts_total",
			Help:      "Pending requests resolved by deadline expiry.",
		})),
		orphanReplies: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "orphan_replies_total",
			Help:      "Agent replies that matched no pending request.",
		})),
	}
}

// SetAgents records the registered agent count.
func (m *Manager) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

// SetPending records the pending request count.
func (m *Manager) SetPending(n int) {
	if m == nil {
		return
	}
	m.requestsPending.Set(float64(n))
}

// IncRequest counts a handled request.
func (m *Manager) IncRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncCorrelationTimeout counts a deadline-resolved request.
func (m *Manager) IncCorrelationTimeout() {
	if m == nil {
		return
	}
	m.correlationTimeouts.Inc()
}

// IncOrphanReply counts a reply that matched nothing.
func (m *Manager) IncOrphanReply() {
	if m == nil {
		return
	}
	m.orphanReplies.Inc()
}
