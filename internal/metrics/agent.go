// ABOUTME: Collectors describing an agent's run queue: load, outcomes, rejections
// ABOUTME: Agent is nil-safe so callers can run without a registry

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Agent reports run queue activity.
type Agent struct {
	runsActive  prometheus.Gauge
	runsQueued  prometheus.Gauge
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	rejections  *prometheus.CounterVec
	reconnects  prometheus.Counter
}

// MustNewAgent constructs agent collectors on reg. A nil reg uses the
// default registerer.
func MustNewAgent(reg prometheus.Registerer) *Agent {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Agent{
		runsActive: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		})),
		runsQueued: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_queued",
			Help:      "Runs admitted and waiting for a slot.",
		})),
		runsTotal: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Runs that reached a terminal result, by outcome.",
		}, []string{"outcome"})),
		runDuration: mustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall time of dispatched runs.",
			Buckets:   prometheus.DefBuckets,
		})),
		rejections: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "rejections_total",
			Help:      "Submissions rejected at admission, by reason.",
		}, []string{"reason"})),
		reconnects: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "reconnects_total",
			Help:      "Manager connections established after the first.",
		})),
	}
}

// SetLoad records the current active and queued counts.
func (m *Agent) SetLoad(active, queued int) {
	if m == nil {
		return
	}
	m.runsActive.Set(float64(active))
	m.runsQueued.Set(float64(queued))
}

// ObserveRun records a terminal run outcome. d is zero for runs that never
// started.
func (m *Agent) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.runDuration.Observe(d.Seconds())
	}
}

// IncRejection counts an admission rejection.
func (m *Agent) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// IncReconnect counts a re-established manager connection.
func (m *Agent) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
