package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for access decisions.
type Metrics struct {
	decisions  *prometheus.CounterVec
	failClosed prometheus.Counter
}

// NewMetrics registers the access metrics with the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_access_decisions_total",
			Help: "Total access decisions, by outcome and reason",
		}, []string{"outcome", "reason"}),
		failClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_access_failed_closed_total",
			Help: "Total disclosures denied because ledger evidence could not be committed",
		}),
	}
}

func (m *Metrics) IncDecision(outcome, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) IncFailedClosed() {
	if m == nil {
		return
	}
	m.failClosed.Inc()
}
