package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the retention engine.
type Metrics struct {
	scanned    prometheus.Histogram
	archived   prometheus.Counter
	anonymized prometheus.Counter
	restored   prometheus.Counter
	runErrors  prometheus.Counter
}

// NewMetrics registers the retention metrics with the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		scanned: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_retention_scan_subjects",
			Help:    "Active subjects considered per retention scan",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		}),
		archived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_archived_total",
			Help: "Total subjects archived past the FERPA horizon",
		}),
		anonymized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_anonymized_total",
			Help: "Total anonymization actions past the GDPR horizon",
		}),
		restored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_restored_total",
			Help: "Total archived subjects restored to the active store",
		}),
		runErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_run_errors_total",
			Help: "Total per-subject failures inside scheduled runs",
		}),
	}
}

func (m *Metrics) ObserveScan(subjects int) {
	if m == nil {
		return
	}
	m.scanned.Observe(float64(subjects))
}

func (m *Metrics) IncArchived() {
	if m == nil {
		return
	}
	m.archived.Inc()
}

func (m *Metrics) IncAnonymized() {
	if m == nil {
		return
	}
	m.anonymized.Inc()
}

func (m *Metrics) IncRestored() {
	if m == nil {
		return
	}
	m.restored.Inc()
}

func (m *Metrics) AddRunFailures(n int) {
	if m == nil {
		return
	}
	m.runErrors.Add(float64(n))
}
