package capture

import (
	stderrors "errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ilya-Muromets/Pani/metric"
)

// Frame release paths, used as the "path" label
const (
	releaseStale    = "stale"
	releaseOverflow = "overflow"
	releaseDrain    = "drain"
	releaseTeardown = "teardown"
	releaseSinkErr  = "sink_error"
	releaseDiscard  = "discard"
)

// Metrics holds the capture engine's Prometheus collectors. The collectors
// exist whether or not they were registered, so recording is always safe.
type Metrics struct {
	submitted      prometheus.Counter
	matched        prometheus.Counter
	abandoned      *prometheus.CounterVec
	staleDiscarded prometheus.Counter
	released       *prometheus.CounterVec
	doubleReleased prometheus.Counter
	poolOverflow   prometheus.Counter
	sinkFailures   prometheus.Counter
	inFlight       prometheus.Gauge
	poolFrames     prometheus.Gauge
	state          prometheus.Gauge
	matchLatency   prometheus.Histogram
}

func newMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "capture",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pani",
			Subsystem: "capture",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		submitted:      counter("requests_submitted_total", "Capture requests handed to the frame source"),
		matched:        counter("frames_matched_total", "Completions paired with their image"),
		staleDiscarded: counter("frames_stale_total", "Images discarded as older than the completion being matched"),
		doubleReleased: counter("frames_double_released_total", "Release calls on an already released frame"),
		poolOverflow:   counter("pool_overflow_total", "Images released on arrival because the pool was full"),
		sinkFailures:   counter("sink_failures_total", "Matched pairs the sink rejected"),
		inFlight:       gauge("requests_in_flight", "Submitted requests not yet resolved"),
		poolFrames:     gauge("pool_frames", "Images waiting in the frame pool"),
		state:          gauge("session_state", "Session state: 0 idle, 1 capturing, 2 stopping"),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "capture",
			Name:      "requests_abandoned_total",
			Help:      "Requests resolved without a match",
		}, []string{"reason"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pani",
			Subsystem: "capture",
			Name:      "frames_released_total",
			Help:      "Images released by the engine",
		}, []string{"path"}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pani",
			Subsystem: "capture",
			Name:      "match_latency_seconds",
			Help:      "Time from request submission to the sink accepting the pair",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) register(registry metric.MetricsRegistrar) error {
	const service = "capture"
	counters := map[string]prometheus.Counter{
		"requests_submitted":     m.submitted,
		"frames_matched":         m.matched,
		"frames_stale":           m.staleDiscarded,
		"frames_double_released": m.doubleReleased,
		"pool_overflow":          m.poolOverflow,
		"sink_failures":          m.sinkFailures,
	}
	for name, c := range counters {
		if err := registry.RegisterCounter(service, name, c); err != nil {
			return err
		}
	}
	gauges := map[string]prometheus.Gauge{
		"requests_in_flight": m.inFlight,
		"pool_frames":        m.poolFrames,
		"session_state":      m.state,
	}
	for name, g := range gauges {
		if err := registry.RegisterGauge(service, name, g); err != nil {
			return err
		}
	}
	if err := registry.RegisterCounterVec(service, "requests_abandoned", m.abandoned); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec(service, "frames_released", m.released); err != nil {
		return err
	}
	return registry.RegisterHistogram(service, "match_latency", m.matchLatency)
}

// releaseFrame releases f and records the path. A double release is counted
// and logged, never propagated.
func (m *Metrics) releaseFrame(logger *slog.Logger, f *ImageFrame, path string) {
	if err := f.Release(); err != nil {
		if stderrors.Is(err, ErrFrameAlreadyReleased) {
			m.doubleReleased.Inc()
			logger.Error("Frame released twice", "timestamp", f.Timestamp, "path", path)
			return
		}
		logger.Warn("Frame release hook failed", "timestamp", f.Timestamp, "path", path, "error", err)
	}
	m.released.WithLabelValues(path).Inc()
}
