package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StockMetrics exposes collectors for allocation, reversal and rollup
// operations.
type StockMetrics struct {
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	rollupDays     prometheus.Histogram
	rollupFailures prometheus.Counter
}

// NewStockMetrics registers the stock collectors against the provided
// registerer. A nil registerer falls back to the Prometheus default.
func NewStockMetrics(registerer prometheus.Registerer) *StockMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_stock_operations_total",
		Help: "Stock operations by kind and outcome.",
	}, []string{"op", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotledger_stock_operation_duration_seconds",
		Help:    "Stock operation duration by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	rollupDays := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lotledger_stock_rollup_cascade_days",
		Help:    "Calendar days rebuilt per snapshot rollup cascade.",
		Buckets: []float64{1, 2, 5, 10, 30, 90, 365},
	})
	rollupFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotledger_stock_rollup_failures_total",
		Help: "Snapshot rollups that failed after a committed write.",
	})
	registerer.MustRegister(operations, duration, rollupDays, rollupFailures)
	return &StockMetrics{
		operations:     operations,
		duration:       duration,
		rollupDays:     rollupDays,
		rollupFailures: rollupFailures,
	}
}

// Observe records one finished operation.
func (m *StockMetrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RollupCascade records the day span of one rollup cascade.
func (m *StockMetrics) RollupCascade(days int) {
	if m == nil {
		return
	}
	m.rollupDays.Observe(float64(days))
}

// RollupFailure counts a rollup that failed post-commit.
func (m *StockMetrics) RollupFailure() {
	if m == nil {
		return
	}
	m.rollupFailures.Inc()
}
