package node

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics uses its own registry so several agents can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	failures   *prometheus.CounterVec
	used       prometheus.Gauge
	available  prometheus.Gauge
	capacity   prometheus.Gauge
	chunks     prometheus.Gauge
}

func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dfs_datanode_chunk_operations_total",
			Help:        "Total chunk operations.",
			ConstLabels: labels,
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dfs_datanode_operation_duration_seconds",
			Help:        "Chunk operation duration.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dfs_datanode_operation_failures_total",
			Help:        "Chunk operations that returned an error.",
			ConstLabels: labels,
		}, []string{"operation"}),
		used: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_datanode_storage_used_bytes",
			Help:        "Bytes held in chunk blobs.",
			ConstLabels: labels,
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_datanode_storage_available_bytes",
			Help:        "Capacity minus used bytes.",
			ConstLabels: labels,
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_datanode_storage_capacity_bytes",
			Help:        "Advertised capacity.",
			ConstLabels: labels,
		}),
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_datanode_chunk_count",
			Help:        "Number of chunks stored.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.operations, m.duration, m.failures,
		m.used, m.available, m.capacity, m.chunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one operation that started at start.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	m.operations.WithLabelValues(op).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetStorage(used, capacity int64, count int) {
	m.used.Set(float64(used))
	m.capacity.Set(float64(capacity))
	avail := capacity - used
	if avail < 0 {
		avail = 0
	}
	m.available.Set(float64(avail))
	m.chunks.Set(float64(count))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
