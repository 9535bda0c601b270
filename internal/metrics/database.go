package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DBQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)
)

// PoolCollector reads pgxpool statistics at scrape time.
type PoolCollector struct {
	stat func() *pgxpool.Stat

	total           *prometheus.Desc
	acquired        *prometheus.Desc
	idle            *prometheus.Desc
	max             *prometheus.Desc
	acquires        *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	acquireDuration *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db", name), help, nil, nil)
	}
	return &PoolCollector{
		stat:            pool.Stat,
		total:           desc("connections_open", "Total number of open database connections"),
		acquired:        desc("connections_in_use", "Number of database connections currently in use (acquired)"),
		idle:            desc("connections_idle", "Number of idle database connections"),
		max:             desc("connections_max_open", "Maximum number of open database connections allowed"),
		acquires:        desc("acquires_total", "Connections acquired from the pool"),
		emptyAcquires:   desc("empty_acquires_total", "Acquires that had to wait for a connection"),
		acquireDuration: desc("acquire_duration_seconds_total", "Time spent waiting to acquire connections"),
	}
}

// RegisterPool exposes pool statistics on the shared registry. Registering
// a second pool is an error.
func RegisterPool(pool *pgxpool.Pool) error {
	return Registry.Register(NewPoolCollector(pool))
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.acquired
	ch <- c.idle
	ch <- c.max
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.acquireDuration
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stat()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, stat.AcquireDuration().Seconds())
}

// RecordQuery observes a query started at start:
//
//	start := time.Now()
//	defer func() { metrics.RecordQuery("list_books", start, err) }()
func RecordQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	errorType := "query_error"
	switch {
	case errors.Is(err, context.Canceled):
		errorType = "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		errorType = "timeout"
	}
	DBErrors.WithLabelValues(operation, errorType).Inc()
}
