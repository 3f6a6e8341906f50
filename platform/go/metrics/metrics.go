// Package metrics exposes prometheus collectors for the import job processor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roster"

// ImportMetrics groups the job processor collectors. A nil *ImportMetrics is a valid no-op.
type ImportMetrics struct {
	rows            *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	identityRetries prometheus.Counter
	batchSeconds    prometheus.Histogram
}

// NewImportMetrics registers the collectors on reg.
func NewImportMetrics(reg prometheus.Registerer) *ImportMetrics {
	factory := promauto.With(reg)
	return &ImportMetrics{
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Rows committed by import jobs, by outcome.",
		}, []string{"outcome"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "jobs_total",
			Help:      "Import jobs reaching a terminal status.",
		}, []string{"status"}),
		identityRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "identity_retries_total",
			Help:      "Identity provider calls retried after a rate-limit signal.",
		}),
		batchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "batch_seconds",
			Help:      "Wall-clock duration of one processed batch.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// RowOutcome counts one committed row.
func (m *ImportMetrics) RowOutcome(outcome string) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(outcome).Inc()
}

// JobFinished counts a job reaching status.
func (m *ImportMetrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

// IdentityRetry counts one rate-limited retry.
func (m *ImportMetrics) IdentityRetry() {
	if m == nil {
		return
	}
	m.identityRetries.Inc()
}

// ObserveBatch records a batch duration.
func (m *ImportMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchSeconds.Observe(d.Seconds())
}
