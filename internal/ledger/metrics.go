package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the disclosure ledger.
type Metrics struct {
	appended *prometheus.CounterVec
	rejected prometheus.Counter
	scrubbed prometheus.Counter
	mirrored prometheus.Counter
}

// NewMetrics registers the ledger metrics with the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		appended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_ledger_entries_total",
			Help: "Total ledger entries committed, by outcome",
		}, []string{"outcome"}),
		rejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_rejected_total",
			Help: "Total ledger appends rejected by validation",
		}),
		scrubbed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_scrubbed_rows_total",
			Help: "Total ledger rows with principal reference scrubbed",
		}),
		mirrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_mirrored_total",
			Help: "Total ledger entries mirrored to the compliance topic",
		}),
	}
}

func (m *Metrics) IncAppended(outcome string) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) AddScrubbed(n int64) {
	if m == nil {
		return
	}
	m.scrubbed.Add(float64(n))
}

func (m *Metrics) AddMirrored(n int) {
	if m == nil {
		return
	}
	m.mirrored.Add(float64(n))
}
