package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.OpSubmitted("Search")
	m.OpExecuted()
	m.OpDelivered("Search", nil)
	m.SessionStateChanged("Pending", "InProgress")
	m.MatchOutcome("matched")
}

func TestMetrics_QueueCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OpSubmitted("Search")
	m.OpSubmitted("Search")
	m.OpExecuted()
	m.OpDelivered("Search", nil)
	m.OpDelivered("Search", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.opsSubmitted.WithLabelValues("Search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsCompleted.WithLabelValues("Search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsCompleted.WithLabelValues("Search", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth))
}

func TestMetrics_SessionStateBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SessionStateChanged("", "Pending")
	m.SessionStateChanged("", "Pending")
	m.SessionStateChanged("Pending", "InProgress")
	m.SessionStateChanged("InProgress", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsByState.WithLabelValues("Pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsByState.WithLabelValues("InProgress")))
}

func TestMetrics_MatchOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.MatchOutcome("matched")
	m.MatchOutcome("matched")
	m.MatchOutcome("cancelled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.matchOutcomes.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matchOutcomes.WithLabelValues("cancelled")))
}

func TestNewMetrics_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { NewMetrics(reg) })
	// Registering the same instruments twice on one registry is a programming
	// error and promauto panics on it.
	require.Panics(t, func() { NewMetrics(reg) })
}
