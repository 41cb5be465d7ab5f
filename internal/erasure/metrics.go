package erasure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the erasure engine.
type Metrics struct {
	erased *prometheus.CounterVec
}

// NewMetrics registers the erasure metrics with the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		erased: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_erasures_total",
			Help: "Total completed erasures, by audit-log treatment",
		}, []string{"retain_audit_logs"}),
	}
}

func (m *Metrics) IncErased(retainAuditLogs bool) {
	if m == nil {
		return
	}
	label := "false"
	if retainAuditLogs {
		label = "true"
	}
	m.erased.WithLabelValues(label).Inc()
}
