package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the lobby subsystem.
// A nil *Metrics is valid: all record methods are no-ops, so components
// never need to branch on whether metrics are enabled.
type Metrics struct {
	opsSubmitted    *prometheus.CounterVec
	opsCompleted    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	completionDepth prometheus.Gauge
	sessionsByState *prometheus.GaugeVec
	matchOutcomes   *prometheus.CounterVec
}

// NewMetrics registers the lobby instruments with the given registerer.
//
// Precondition: reg must be non-nil.
// Postcondition: Returns a Metrics whose instruments are registered exactly once.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		opsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Subsystem: "queue",
			Name:      "operations_submitted_total",
			Help:      "Async operations submitted, by operation kind.",
		}, []string{"kind"}),
		opsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Subsystem: "queue",
			Name:      "operations_completed_total",
			Help:      "Async operation completions delivered, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby",
			Subsystem: "queue",
			Name:      "inbound_depth",
			Help:      "Operations waiting for a worker.",
		}),
		completionDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby",
			Subsystem: "queue",
			Name:      "completion_depth",
			Help:      "Completions waiting for the next pump.",
		}),
		sessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lobby",
			Subsystem: "session",
			Name:      "count",
			Help:      "Live sessions in the local registry, by state.",
		}, []string{"state"}),
		matchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Subsystem: "matchmaking",
			Name:      "outcomes_total",
			Help:      "Completed matchmaking attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// OpSubmitted records one submitted async operation.
func (m *Metrics) OpSubmitted(kind string) {
	if m == nil {
		return
	}
	m.opsSubmitted.WithLabelValues(kind).Inc()
	m.queueDepth.Inc()
}

// OpExecuted records a worker handing an operation's completion to the pump.
func (m *Metrics) OpExecuted() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
	m.completionDepth.Inc()
}

// OpDelivered records a completion callback invoked by the pump.
func (m *Metrics) OpDelivered(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.opsCompleted.WithLabelValues(kind, outcome).Inc()
	m.completionDepth.Dec()
}

// SessionStateChanged moves one session between state buckets. Either state
// may be empty to record a bare add or remove.
func (m *Metrics) SessionStateChanged(oldState, newState string) {
	if m == nil {
		return
	}
	if oldState != "" {
		m.sessionsByState.WithLabelValues(oldState).Dec()
	}
	if newState != "" {
		m.sessionsByState.WithLabelValues(newState).Inc()
	}
}

// MatchOutcome records one finished matchmaking attempt.
func (m *Metrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.matchOutcomes.WithLabelValues(outcome).Inc()
}
