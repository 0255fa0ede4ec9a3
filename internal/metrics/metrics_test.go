package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ImportOutcome("created")
	m.ImportOutcome("created")
	m.SweepClaim("lost")
	m.BestEffortFailed("notify.missed_deadline")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.imports.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweep.WithLabelValues("lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bestEffort.WithLabelValues("notify.missed_deadline")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ImportOutcome("created")
		m.Transition("expired")
		m.Reminder("sent")
		m.SweepClaim("claimed")
		m.BestEffortFailed("x")
	})
}
