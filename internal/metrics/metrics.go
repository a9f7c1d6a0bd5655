// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "cdr_sync"

// Metrics holds all sync metrics. A nil *Metrics records nothing.
type Metrics struct {
	RecordsIndexed  *prometheus.CounterVec
	BulkErrors      *prometheus.CounterVec
	DedupHits       *prometheus.CounterVec
	TicksSkipped    prometheus.Counter
	AccountFailures prometheus.Counter
	TickDuration    prometheus.Histogram
	BreakerState    prometheus.Gauge
	MessagesHandled *prometheus.CounterVec
}

// New registers the sync metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_indexed_total",
			Help:      "CDRs accepted by the search store",
		}, []string{"mode"}),
		BulkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bulk_errors_total",
			Help:      "Bulk writes rejected by the search store",
		}, []string{"mode"}),
		DedupHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dedup_hits_total",
			Help:      "Push events dropped as duplicates",
		}, []string{"mode"}),
		TicksSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ticks_skipped_total",
			Help:      "Loop ticks skipped because a previous tick was still running",
		}),
		AccountFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "account_failures_total",
			Help:      "Per-account sync failures",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a sync tick",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "search_breaker_state",
			Help:      "Search store circuit state (0 closed, 1 open, 2 half-open)",
		}),
		MessagesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_handled_total",
			Help:      "Push events handled, by source and outcome",
		}, []string{"source", "outcome"}),
	}
}

// Indexed records n documents written in mode.
func (m *Metrics) Indexed(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsIndexed.WithLabelValues(mode).Add(float64(n))
}

// BulkError records a rejected bulk write.
func (m *Metrics) BulkError(mode string) {
	if m == nil {
		return
	}
	m.BulkErrors.WithLabelValues(mode).Inc()
}

// DedupHit records a duplicate push event.
func (m *Metrics) DedupHit(mode string) {
	if m == nil {
		return
	}
	m.DedupHits.WithLabelValues(mode).Inc()
}

// TickSkipped records a skipped loop tick.
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

// AccountFailed records a failed account sync.
func (m *Metrics) AccountFailed() {
	if m == nil {
		return
	}
	m.AccountFailures.Inc()
}

// ObserveTick records how long a tick took.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

// SetBreakerState records the search store circuit state.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// Message records a handled push event.
func (m *Metrics) Message(source, outcome string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(source, outcome).Inc()
}
