package metric

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/health"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	names := gatheredNames(t, registry)
	assert.True(t, names["pani_nats_connected"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_Register(t *testing.T) {
	tests := []struct {
		name     string
		register func(r *MetricsRegistry) error
		metric   string
	}{
		{
			name: "counter",
			register: func(r *MetricsRegistry) error {
				c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "h"})
				c.Inc()
				return r.RegisterCounter("svc", "test_counter", c)
			},
			metric: "test_counter",
		},
		{
			name: "gauge",
			register: func(r *MetricsRegistry) error {
				g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "h"})
				g.Set(42)
				return r.RegisterGauge("svc", "test_gauge", g)
			},
			metric: "test_gauge",
		},
		{
			name: "histogram",
			register: func(r *MetricsRegistry) error {
				h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "h"})
				h.Observe(0.1)
				return r.RegisterHistogram("svc", "test_hist", h)
			},
			metric: "test_hist",
		},
		{
			name: "counter vec",
			register: func(r *MetricsRegistry) error {
				v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cv", Help: "h"}, []string{"l"})
				v.WithLabelValues("a").Inc()
				return r.RegisterCounterVec("svc", "test_cv", v)
			},
			metric: "test_cv",
		},
		{
			name: "gauge vec",
			register: func(r *MetricsRegistry) error {
				v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gv", Help: "h"}, []string{"l"})
				v.WithLabelValues("a").Set(1)
				return r.RegisterGaugeVec("svc", "test_gv", v)
			},
			metric: "test_gv",
		},
		{
			name: "histogram vec",
			register: func(r *MetricsRegistry) error {
				v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_hv", Help: "h"}, []string{"l"})
				v.WithLabelValues("a").Observe(1)
				return r.RegisterHistogramVec("svc", "test_hv", v)
			},
			metric: "test_hv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewMetricsRegistry()
			require.NoError(t, tt.register(registry))
			assert.True(t, gatheredNames(t, registry)[tt.metric])
		})
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter_2", Help: "h"})
	err := registry.RegisterCounter("svc", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under a different key conflicts at the prometheus level
	third := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	err = registry.RegisterCounter("other", "dup", third)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "h"})
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))

	assert.True(t, registry.Unregister("svc", "temp"))
	assert.False(t, registry.Unregister("svc", "temp"))

	// re-registration is allowed after unregister
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", i),
				Help: "h",
			})
			errs <- registry.RegisterCounter("svc", fmt.Sprintf("c%d", i), c)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetrics_RecordSinkWrite(t *testing.T) {
	m := NewMetrics()

	m.RecordSinkWrite("file", 1024, 3*time.Millisecond, nil)
	m.RecordSinkWrite("file", 2048, 5*time.Millisecond, nil)
	m.RecordSinkWrite("file", 4096, time.Millisecond, assert.AnError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SinkWrites.WithLabelValues("file", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkWrites.WithLabelValues("file", "error")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.SinkBytes.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("file", "transient")))

	m.RecordSinkWrite("file", 0, time.Millisecond, errors.WrapFatal(assert.AnError, "FileSink", "Accept", "open"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("file", "fatal")))
}

func findFamily(t *testing.T, r *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestMetrics_SinkWriteHistogram(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordSinkWrite("objectstore", 10, 2*time.Millisecond, nil)
	core.RecordSinkWrite("objectstore", 10, 30*time.Millisecond, nil)
	core.RecordSinkWrite("objectstore", 10, 2*time.Second, assert.AnError)

	mf := findFamily(t, registry, "pani_sink_write_duration_seconds")
	require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)

	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), h.GetSampleCount())
	for _, b := range h.GetBucket() {
		if b.GetUpperBound() == 0.005 {
			assert.Equal(t, uint64(1), b.GetCumulativeCount())
		}
	}
}

func TestMetrics_StatusGauges(t *testing.T) {
	m := NewMetrics()

	m.RecordHealthStatus("session", true)
	m.RecordNATSStatus(false)
	m.RecordNATSReconnect()
	m.RecordError("sink", "fatal")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("session")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("sink", "fatal")))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("session", "idle")

	server := NewServer(0, "", registry, monitor)
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "pani_nats_connected"))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 1)

	monitor.UpdateUnhealthy("sink", "disk full")
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	server := NewServer(0, "", nil, nil)
	err := server.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, server.Stop())
}
