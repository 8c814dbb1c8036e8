package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ilya-Muromets/Pani/metric"
)

// Metrics holds Prometheus metrics for worker pool monitoring. One Metrics
// value can be shared by successive pools with the same prefix, which lets a
// caller rebuild its pool per run without re-registering collectors.
type Metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// NewMetrics creates the pool metrics and registers them under prefix.
func NewMetrics(registry metric.MetricsRegistrar, prefix string) (*Metrics, error) {
	constLabels := prometheus.Labels{"pool": prefix}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Current worker pool queue depth",
			ConstLabels: constLabels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "submitted_total",
			Help:        "Total work items submitted",
			ConstLabels: constLabels,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "processed_total",
			Help:        "Total work items processed",
			ConstLabels: constLabels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "failed_total",
			Help:        "Total work items that failed processing",
			ConstLabels: constLabels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "dropped_total",
			Help:        "Total work items dropped due to full queue or shutdown",
			ConstLabels: constLabels,
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pani",
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			ConstLabels: constLabels,
		}, []string{"status"}),
	}

	const service = "worker_pool"
	if err := registry.RegisterGauge(service, prefix+"_queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	for name, c := range map[string]prometheus.Counter{
		"_submitted_total": m.submitted,
		"_processed_total": m.processed,
		"_failed_total":    m.failed,
		"_dropped_total":   m.dropped,
	} {
		if err := registry.RegisterCounter(service, prefix+name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterHistogramVec(service, prefix+"_processing_duration_seconds", m.processingTime); err != nil {
		return nil, err
	}

	return m, nil
}
