package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes dispatcher throughput and latency to Prometheus. A single
// Metrics instance is shared across shards; the shard label separates them.
type Metrics struct {
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	processed *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	depth     *prometheus.GaugeVec
	healthy   *prometheus.GaugeVec
}

// NewMetrics constructs and registers dispatcher metrics with the provided
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "events_received_total",
				Help:      "Enqueue attempts by shard and priority, accepted or dropped.",
			},
			[]string{"shard", "priority"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "events_dropped_total",
				Help:      "Events refused by backpressure or a full queue.",
			},
			[]string{"shard", "priority"},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "events_processed_total",
				Help:      "Events fully handled by workers.",
			},
			[]string{"shard"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "handler_seconds",
				Help:      "Time to run all handlers for one event.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"shard"},
		),
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "queue_depth",
				Help:      "Current bounded queue length.",
			},
			[]string{"shard"},
		),
		healthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "strand",
				Subsystem: "dispatcher",
				Name:      "healthy",
				Help:      "1 when the sliding-window drop rate is within limits.",
			},
			[]string{"shard"},
		),
	}
	reg.MustRegister(m.received, m.dropped, m.processed, m.latency, m.depth, m.healthy)
	return m
}

func (m *Metrics) observeReceived(shard, priority string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(shard, priority).Inc()
}

func (m *Metrics) observeDropped(shard, priority string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(shard, priority).Inc()
}

func (m *Metrics) observeProcessed(shard string, elapsed time.Duration, depth int) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(shard).Inc()
	m.latency.WithLabelValues(shard).Observe(elapsed.Seconds())
	m.depth.WithLabelValues(shard).Set(float64(depth))
}

func (m *Metrics) observeHealth(shard string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.healthy.WithLabelValues(shard).Set(v)
}
