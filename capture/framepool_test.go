package capture

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/metric"
)

// releaseCounter creates frames and counts release hook calls
type releaseCounter struct {
	mu    sync.Mutex
	count map[int64]int
}

func newReleaseCounter() *releaseCounter {
	return &releaseCounter{count: make(map[int64]int)}
}

func (rc *releaseCounter) frame(ts int64) *ImageFrame {
	return NewImageFrame(ts, 1, 1, "RAW16", []byte{0, 0}, func(f *ImageFrame) {
		rc.mu.Lock()
		rc.count[f.Timestamp]++
		rc.mu.Unlock()
	})
}

func (rc *releaseCounter) released(ts int64) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.count[ts]
}

func TestImageFrame_ReleaseOnce(t *testing.T) {
	rc := newReleaseCounter()
	f := rc.frame(10)

	assert.False(t, f.Released())
	require.NoError(t, f.Release())
	assert.True(t, f.Released())
	assert.ErrorIs(t, f.Release(), ErrFrameAlreadyReleased)
	assert.Equal(t, 1, rc.released(10))
}

func TestFramePool_Basic(t *testing.T) {
	pool, err := NewFramePool(4, nil, nil)
	require.NoError(t, err)
	rc := newReleaseCounter()

	for _, ts := range []int64{1, 2, 3} {
		require.NoError(t, pool.Push(rc.frame(ts)))
	}
	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, 4, pool.Capacity())

	f, ok := pool.PopOldest()
	require.True(t, ok)
	assert.Equal(t, int64(1), f.Timestamp)
}

func TestFramePool_TimestampOrder(t *testing.T) {
	pool, err := NewFramePool(8, nil, nil)
	require.NoError(t, err)
	rc := newReleaseCounter()

	for _, ts := range []int64{2, 1, 4, 3, 5} {
		require.NoError(t, pool.Push(rc.frame(ts)))
	}
	for want := int64(1); want <= 5; want++ {
		f, ok := pool.PopOldest()
		require.True(t, ok)
		assert.Equal(t, want, f.Timestamp)
	}
}

func TestFramePool_OverflowReleasesArrival(t *testing.T) {
	m := newMetrics()
	pool, err := NewFramePool(2, nil, func(f *ImageFrame, path string) {
		m.releaseFrame(discardLogger(), f, path)
	})
	require.NoError(t, err)
	rc := newReleaseCounter()

	require.NoError(t, pool.Push(rc.frame(1)))
	require.NoError(t, pool.Push(rc.frame(2)))
	assert.ErrorIs(t, pool.Push(rc.frame(3)), ErrPoolFull)

	assert.Equal(t, 1, rc.released(3), "rejected arrival is released")
	assert.Zero(t, rc.released(1), "queued frames are not evicted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.released.WithLabelValues(releaseOverflow)))

	f, _ := pool.PopOldest()
	assert.Equal(t, int64(1), f.Timestamp)
}

func TestFramePool_PopNotAfter(t *testing.T) {
	pool, err := NewFramePool(4, nil, nil)
	require.NoError(t, err)
	rc := newReleaseCounter()
	require.NoError(t, pool.Push(rc.frame(20)))

	_, found, removed := pool.popNotAfter(10)
	assert.True(t, found)
	assert.False(t, removed, "newer frame stays queued")
	assert.Equal(t, 1, pool.Len())

	f, found, removed := pool.popNotAfter(20)
	assert.True(t, found)
	assert.True(t, removed)
	assert.Equal(t, int64(20), f.Timestamp)

	_, found, _ = pool.popNotAfter(30)
	assert.False(t, found)
}

func TestFramePool_ReleaseAll(t *testing.T) {
	pool, err := NewFramePool(8, nil, nil)
	require.NoError(t, err)
	rc := newReleaseCounter()
	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, pool.Push(rc.frame(ts)))
	}

	assert.Equal(t, 5, pool.ReleaseAll())
	assert.Zero(t, pool.Len())
	for ts := int64(1); ts <= 5; ts++ {
		assert.Equal(t, 1, rc.released(ts))
	}
	assert.Zero(t, pool.ReleaseAll())
}

func TestFramePool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewFramePool(2, registry, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Push(newReleaseCounter().frame(1)))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "pani_buffer_writes_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMetrics_DoubleRelease(t *testing.T) {
	m := newMetrics()
	f := newReleaseCounter().frame(1)

	m.releaseFrame(discardLogger(), f, releaseDrain)
	m.releaseFrame(discardLogger(), f, releaseDrain)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.doubleReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.released.WithLabelValues(releaseDrain)))
}
