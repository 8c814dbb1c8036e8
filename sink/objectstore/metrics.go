package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ilya-Muromets/Pani/metric"
)

// storeMetrics holds Prometheus metrics for bucket writes.
type storeMetrics struct {
	writeOps     *prometheus.CounterVec // by object kind: raw, meta
	writeLatency *prometheus.HistogramVec
	errors       *prometheus.CounterVec // by operation
	retries      prometheus.Counter
	storedBytes  prometheus.Counter
}

// newStoreMetrics creates and registers bucket metrics. A nil registry
// disables metrics.
func newStoreMetrics(registry metric.MetricsRegistrar, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		writeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "objectstore",
			Name:        "write_operations_total",
			Help:        "Total number of objects written",
			ConstLabels: labels,
		}, []string{"kind"}),

		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pani",
			Subsystem:   "objectstore",
			Name:        "write_duration_seconds",
			Help:        "Object write duration in seconds, retries included",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"kind"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Total number of failed bucket operations",
			ConstLabels: labels,
		}, []string{"operation"}), // operation: put, get_info

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "objectstore",
			Name:        "retries_total",
			Help:        "Total number of retried bucket operations",
			ConstLabels: labels,
		}),

		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "objectstore",
			Name:        "stored_bytes_total",
			Help:        "Total bytes written to the bucket",
			ConstLabels: labels,
		}),
	}

	service := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(service, "write_operations", m.writeOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "write_duration", m.writeLatency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "operation_errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "retries", m.retries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "stored_bytes", m.storedBytes); err != nil {
		return nil, err
	}
	return m, nil
}
