package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ilya-Muromets/Pani/errors"
)

// Metrics contains platform-level metrics. Capture-specific metrics are
// registered by the capture package itself.
type Metrics struct {
	// Service metrics
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Sink metrics
	SinkWrites        *prometheus.CounterVec
	SinkWriteDuration *prometheus.HistogramVec
	SinkBytes         *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pani",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pani",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pani",
				Subsystem: "sink",
				Name:      "writes_total",
				Help:      "Total number of frames written by sinks",
			},
			[]string{"sink", "status"},
		),

		SinkWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pani",
				Subsystem: "sink",
				Name:      "write_duration_seconds",
				Help:      "Time spent persisting one matched frame",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"sink"},
		),

		SinkBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pani",
				Subsystem: "sink",
				Name:      "bytes_total",
				Help:      "Total pixel bytes persisted by sinks",
			},
			[]string{"sink"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pani",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pani",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ErrorsTotal,
		c.HealthCheckStatus,
		c.SinkWrites,
		c.SinkWriteDuration,
		c.SinkBytes,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(component).Set(boolToFloat(healthy))
}

// RecordSinkWrite records one sink write attempt. A failed write also
// counts as an error of the sink component, labelled with its class.
func (c *Metrics) RecordSinkWrite(sink string, bytes int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.RecordError(sink, errors.Classify(err).String())
	}
	c.SinkWrites.WithLabelValues(sink, status).Inc()
	c.SinkWriteDuration.WithLabelValues(sink).Observe(duration.Seconds())
	if err == nil {
		c.SinkBytes.WithLabelValues(sink).Add(float64(bytes))
	}
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolToFloat(connected))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
