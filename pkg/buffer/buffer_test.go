package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/metric"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	value, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 3, buf.Size(), "peek should not change size")

	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", value)

	assert.Equal(t, []string{"second", "third"}, buf.Drain())
	assert.True(t, buf.IsEmpty())

	_, ok = buf.Read()
	assert.False(t, ok)
	assert.Nil(t, buf.Drain())
}

func TestCircularBufferMinimumCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      OverflowPolicy
		expectErr   error
		expectItems []int
		expectDrops []int
	}{
		{
			name:        "DropOldest evicts head",
			policy:      DropOldest,
			expectItems: []int{2, 3, 4},
			expectDrops: []int{1},
		},
		{
			name:        "DropNewest rejects incoming",
			policy:      DropNewest,
			expectErr:   ErrBufferFull,
			expectItems: []int{1, 2, 3},
			expectDrops: []int{4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []int
			buf, err := NewCircularBuffer[int](3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback(func(item int) { dropped = append(dropped, item) }),
			)
			require.NoError(t, err)

			for i := 1; i <= 3; i++ {
				require.NoError(t, buf.Write(i))
			}

			err = buf.Write(4)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.expectDrops, dropped)
			assert.Equal(t, tt.expectItems, buf.Drain())
			assert.Equal(t, int64(1), buf.Stats().Overflows())
			assert.Equal(t, int64(1), buf.Stats().Drops())
		})
	}
}

func TestCircularBufferReadIf(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	_, found, removed := buf.ReadIf(func(int) bool { return true })
	assert.False(t, found)
	assert.False(t, removed)

	require.NoError(t, buf.Write(10))
	require.NoError(t, buf.Write(20))

	item, found, removed := buf.ReadIf(func(v int) bool { return v < 10 })
	assert.True(t, found)
	assert.False(t, removed)
	assert.Equal(t, 10, item)
	assert.Equal(t, 2, buf.Size())

	item, found, removed = buf.ReadIf(func(v int) bool { return v <= 10 })
	assert.True(t, found)
	assert.True(t, removed)
	assert.Equal(t, 10, item)
	assert.Equal(t, 1, buf.Size())
}

func TestCircularBufferWrapAround(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)

	for round := 0; round < 5; round++ {
		require.NoError(t, buf.Write(round*2))
		require.NoError(t, buf.Write(round*2+1))
		a, _ := buf.Read()
		b, _ := buf.Read()
		assert.Equal(t, round*2, a)
		assert.Equal(t, round*2+1, b)
	}
	assert.Equal(t, int64(2), buf.Stats().MaxSize())
}

func TestCircularBufferOrdering(t *testing.T) {
	buf, err := NewCircularBuffer(4, WithOrdering(func(a, b int) bool { return a < b }))
	require.NoError(t, err)

	// Force wrap-around so the sort crosses the ring boundary
	require.NoError(t, buf.Write(100))
	require.NoError(t, buf.Write(101))
	buf.Read()
	buf.Read()

	for _, v := range []int{20, 10, 40, 30} {
		require.NoError(t, buf.Write(v))
	}
	assert.Equal(t, []int{10, 20, 30, 40}, buf.Drain())

	for _, v := range []int{5, 5, 1} {
		require.NoError(t, buf.Write(v))
	}
	item, found, removed := buf.ReadIf(func(v int) bool { return v <= 1 })
	assert.True(t, found)
	assert.True(t, removed)
	assert.Equal(t, 1, item)
}

func TestCircularBufferClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferClosed)
	assert.True(t, errors.IsInvalid(err))

	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCircularBufferConcurrentAccess(t *testing.T) {
	buf, err := NewCircularBuffer[int](100, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = buf.Write(w*1000 + i)
			}
		}(w)
	}
	var reads sync.WaitGroup
	reads.Add(1)
	readCount := 0
	go func() {
		defer reads.Done()
		for i := 0; i < 100; i++ {
			if _, ok := buf.Read(); ok {
				readCount++
			}
		}
	}()
	wg.Wait()
	reads.Wait()

	stats := buf.Stats()
	assert.Equal(t, int64(200), stats.Writes()+stats.Drops())
	assert.Equal(t, int64(readCount), stats.Reads())
	assert.Equal(t, int(stats.Writes())-readCount, buf.Size())
}

func TestCircularBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithMetrics[int](registry, "frame_pool"),
	)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	assert.ErrorIs(t, buf.Write(3), ErrBufferFull)

	cb := buf.(*circularBuffer[int])
	assert.Equal(t, 2.0, testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.utilization))

	// a second buffer with the same prefix collides
	_, err = NewCircularBuffer[int](2, WithMetrics[int](registry, "frame_pool"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestStatisticsSummary(t *testing.T) {
	s := NewStatistics()
	s.Write()
	s.Write()
	s.Drop()
	s.UpdateSize(2)

	summary := s.Summary()
	assert.Equal(t, int64(2), summary.Writes)
	assert.Equal(t, int64(1), summary.Drops)
	assert.InDelta(t, 1.0/3.0, summary.DropRate, 0.0001)
	assert.Equal(t, int64(2), summary.MaxSize)

	s.Reset()
	assert.Equal(t, int64(0), s.Writes())
	assert.Equal(t, int64(2), s.MaxSize())
}

func TestOverflowPolicyString(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(9).String())
}
