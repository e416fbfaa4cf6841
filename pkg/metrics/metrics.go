// Package metrics exposes a small fixed set of Prometheus instruments for
// the transaction engine: how many transactions complete, split by
// outcome, and how long they take. It implements crow.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements crow.Metrics against a prometheus.Registerer.
type Collector struct {
	transactions *prometheus.CounterVec
	bytesRead    prometheus.Histogram
	duration     *prometheus.HistogramVec
}

// NewCollector registers the transaction counters and histograms against
// reg and returns a Collector ready to be attached to a Host.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crow",
			Subsystem: "host",
			Name:      "transactions_total",
			Help:      "Transactions completed, by outcome.",
		}, []string{"outcome"}),
		bytesRead: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crow",
			Subsystem: "host",
			Name:      "transaction_bytes_read",
			Help:      "Bytes read from the serial line per transaction.",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 10),
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crow",
			Subsystem: "host",
			Name:      "transaction_duration_seconds",
			Help:      "Transaction wall-clock duration, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// ObserveTransaction implements crow.Metrics.
func (c *Collector) ObserveTransaction(outcome string, bytesRead int, duration time.Duration) {
	c.transactions.WithLabelValues(outcome).Inc()
	c.bytesRead.Observe(float64(bytesRead))
	c.duration.WithLabelValues(outcome).Observe(duration.Seconds())
}
