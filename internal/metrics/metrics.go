// Package metrics exposes Prometheus counters for receipt uploads and merges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	uploads       *prometheus.CounterVec
	deletes       prometheus.Counter
	rotations     prometheus.Counter
	merges        *prometheus.CounterVec
	mergeDuration prometheus.Histogram
	inconsistency prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "uploads_total",
			Help:      "Receipt uploads by outcome.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "deletes_total",
			Help:      "Receipts deleted by their owner.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "rotations_total",
			Help:      "Receipt rotations applied.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "merges_total",
			Help:      "Merge requests by outcome.",
		}, []string{"outcome"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "receipts",
			Name:      "merge_duration_seconds",
			Help:      "Wall time of successful merges.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		inconsistency: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "storage_inconsistencies_total",
			Help:      "Blob and database disagreements that need an operator.",
		}),
	}
	reg.MustRegister(m.uploads, m.deletes, m.rotations, m.merges, m.mergeDuration, m.inconsistency)
	return m
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Deleted() {
	if m == nil {
		return
	}
	m.deletes.Inc()
}

func (m *Metrics) Rotated() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) Merge(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.mergeDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) StorageInconsistency() {
	if m == nil {
		return
	}
	m.inconsistency.Inc()
}
