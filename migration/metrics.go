package migration

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gokvm_migration"

// Collector is a prometheus.Collector for snapshot and migration activity.
type Collector struct {
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	quiesce    prometheus.Histogram
	status     prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "The number of finished snapshot and migration operations.",
			}, []string{"op", "result"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bytes_total",
				Help:      "The number of state bytes moved, by record kind.",
			}, []string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "duration_seconds",
				Help:      "The time taken by an operation.",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			}, []string{"op"},
		),
		quiesce: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "quiesce_seconds",
				Help:      "The time a single device spent quiesced for capture.",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 7),
			},
		),
		status: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "status",
				Help:      "The current migration status as its numeric value.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.bytes.Describe(ch)
	c.duration.Describe(ch)
	c.quiesce.Describe(ch)
	c.status.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.bytes.Collect(ch)
	c.duration.Collect(ch)
	c.quiesce.Collect(ch)
	c.status.Collect(ch)
}

func (c *Collector) observeStatus(s MigrationStatus) {
	if c == nil {
		return
	}

	c.status.Set(float64(s))
}

func (c *Collector) observeBytes(kind string, n int) {
	if c == nil {
		return
	}

	c.bytes.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) observeQuiesce(d time.Duration) {
	if c == nil {
		return
	}

	c.quiesce.Observe(d.Seconds())
}

func (c *Collector) observeDone(op string, err error, d time.Duration) {
	if c == nil {
		return
	}

	result := "completed"

	switch {
	case errors.Is(err, ErrCanceled):
		result = "canceled"
	case err != nil:
		result = "failed"
	}

	c.operations.WithLabelValues(op, result).Inc()
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}
