// Package observability holds the Prometheus metrics of the stroke engine.
//
// Every method is safe on a nil *Metrics so components built without
// metrics (tests, one-shot CLI commands) need no guards.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "canvas"

type Metrics struct {
	// StrokesTotal counts submissions. Labels: result (ok, error)
	StrokesTotal *prometheus.CounterVec

	// HistoryOpsTotal counts undo and redo calls.
	// Labels: op (undo, redo), status (ok, noop, error)
	HistoryOpsTotal *prometheus.CounterVec

	// CacheReadsTotal counts read-path cache lookups.
	// Labels: result (hit, miss, incomplete)
	CacheReadsTotal *prometheus.CounterVec

	// RebuildsTotal counts room rebuilds. Labels: result (ok, conflict, error)
	RebuildsTotal *prometheus.CounterVec

	RebuildDurationSeconds prometheus.Histogram

	// LedgerCommitsTotal counts first-attempt commits.
	// Labels: result (ok, queued, deduplicated, lost)
	LedgerCommitsTotal *prometheus.CounterVec

	// RetryAttemptsTotal counts retry worker attempts.
	// Labels: result (ok, failed, dropped)
	RetryAttemptsTotal *prometheus.CounterVec

	RetryQueueDepth prometheus.Gauge

	MalformedRecordsTotal prometheus.Counter
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StrokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "strokes_submitted_total",
			Help:      "Stroke submissions by result",
		}, []string{"result"}),
		HistoryOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "history_ops_total",
			Help:      "Undo and redo operations by status",
		}, []string{"op", "status"}),
		CacheReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Room cache lookups on the read path",
		}, []string{"result"}),
		RebuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "rebuilds_total",
			Help:      "Room cache rebuilds by result",
		}, []string{"result"}),
		RebuildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "rebuild_duration_seconds",
			Help:      "Time to rebuild one room from the durable store",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LedgerCommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "commits_total",
			Help:      "First-attempt ledger commits by result",
		}, []string{"result"}),
		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "retry_attempts_total",
			Help:      "Retry worker commit attempts by result",
		}, []string{"result"}),
		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "retry_queue_depth",
			Help:      "Entries waiting in the ledger retry queue",
		}),
		MalformedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_records_total",
			Help:      "Records skipped because they could not be read",
		}),
	}
}

func (m *Metrics) StrokeSubmitted(result string) {
	if m == nil {
		return
	}
	m.StrokesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) HistoryOp(op, status string) {
	if m == nil {
		return
	}
	m.HistoryOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *Metrics) CacheRead(result string) {
	if m == nil {
		return
	}
	m.CacheReadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Rebuild(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RebuildsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.RebuildDurationSeconds.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) LedgerCommit(result string) {
	if m == nil {
		return
	}
	m.LedgerCommitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RetryAttempt(result string) {
	if m == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetRetryQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

func (m *Metrics) MalformedRecord() {
	if m == nil {
		return
	}
	m.MalformedRecordsTotal.Inc()
}
