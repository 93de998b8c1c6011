package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ledger writes, suppressed no-ops, divergences and reverts.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EntriesRecorded *prometheus.CounterVec
	NoOpsSuppressed prometheus.Counter
	Divergences     prometheus.Counter
	Reverts         *prometheus.CounterVec
	HistoryDuration prometheus.Histogram
}

// NewMetrics registers the ledger metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobledger_entries_recorded_total",
			Help: "Log entries appended, by action",
		}, []string{"action"}),
		NoOpsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobledger_noop_writes_total",
			Help: "Entity updates that changed no tracked field and were not recorded",
		}),
		Divergences: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobledger_divergence_total",
			Help: "Entity writes that committed without a log entry",
		}),
		Reverts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobledger_reverts_total",
			Help: "Revert attempts, by outcome",
		}, []string{"outcome"}),
		HistoryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobledger_history_duration_seconds",
			Help:    "Duration of history queries including actor resolution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) recorded(action string) {
	if m == nil {
		return
	}
	m.EntriesRecorded.WithLabelValues(action).Inc()
}

func (m *Metrics) noOp() {
	if m == nil {
		return
	}
	m.NoOpsSuppressed.Inc()
}

func (m *Metrics) diverged() {
	if m == nil {
		return
	}
	m.Divergences.Inc()
}

func (m *Metrics) revert(outcome string) {
	if m == nil {
		return
	}
	m.Reverts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeHistory(start time.Time) {
	if m == nil {
		return
	}
	m.HistoryDuration.Observe(time.Since(start).Seconds())
}
