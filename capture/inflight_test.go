package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlight_AcquireBlocksAtLimit(t *testing.T) {
	f := NewInFlight(2)
	ctx := context.Background()

	require.NoError(t, f.Acquire(ctx))
	require.NoError(t, f.Acquire(ctx))
	assert.Equal(t, 2, f.Load())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Acquire(short), context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		_ = f.Acquire(ctx)
		close(acquired)
	}()
	require.NoError(t, f.Release())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire not unblocked by Release")
	}
	assert.Equal(t, 2, f.Load())
	assert.Equal(t, 2, f.Peak())
}

func TestInFlight_Underflow(t *testing.T) {
	f := NewInFlight(1)
	assert.ErrorIs(t, f.Release(), ErrInFlightUnderflow)
	assert.Zero(t, f.Load())
}

func TestInFlight_WaitZero(t *testing.T) {
	f := NewInFlight(4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Acquire(ctx))
	}

	done := make(chan error, 1)
	go func() { done <- f.WaitZero(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
			t.Fatal("WaitZero returned early")
		default:
		}
		require.NoError(t, f.Release())
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitZero never returned")
	}
}

func TestInFlight_NeverExceedsLimit(t *testing.T) {
	const limit = 5
	f := NewInFlight(limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.Acquire(ctx))
			time.Sleep(time.Millisecond)
			require.NoError(t, f.Release())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.Peak(), limit)
	assert.Zero(t, f.Load())
}

func TestInFlight_AcquireAfterCancel(t *testing.T) {
	f := NewInFlight(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.Acquire(ctx), context.Canceled)
	assert.Zero(t, f.Load())
}
