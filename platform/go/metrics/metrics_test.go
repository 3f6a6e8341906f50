package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestImportMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewImportMetrics(reg)

	m.RowOutcome("created")
	m.RowOutcome("created")
	m.RowOutcome("failed")
	m.JobFinished("completed")
	m.IdentityRetry()
	m.ObserveBatch(1500 * time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.rows.WithLabelValues("created")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rows.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.identityRetries))

	count, err := testutil.GatherAndCount(reg, "roster_import_batch_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestNilImportMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *ImportMetrics
	require.NotPanics(t, func() {
		m.RowOutcome("created")
		m.JobFinished("failed")
		m.IdentityRetry()
		m.ObserveBatch(time.Second)
	})
}
