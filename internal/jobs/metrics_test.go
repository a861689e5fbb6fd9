package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	boom := errors.New("boom")

	require.NoError(t, m.Track("ledger:reconcile").End(nil))
	require.ErrorIs(t, m.Track("ledger:reconcile").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:reconcile", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:reconcile", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ledger:reconcile")))
}

func TestDriftCorrectionsIgnoreEmptySweeps(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddDriftCorrections(0)
	m.AddDriftCorrections(3)
	m.Skip("ledger:reconcile", "locked")

	require.Equal(t, 3.0, testutil.ToFloat64(m.corrections))
	require.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("ledger:reconcile", "locked")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.AddDriftCorrections(2)
	m.Skip("job", "reason")
	require.NoError(t, m.Track("job").End(nil))
}
