package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type correlatorFixture struct {
	c        *Correlator
	ledger   *Ledger
	pool     *FramePool
	inFlight *InFlight
	metrics  *Metrics
	frames   *releaseCounter

	mu         sync.Mutex
	dispatched []MatchedPair
	// dispatchErr, when set, is returned by dispatch
	dispatchErr error
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	t.Helper()
	fx := &correlatorFixture{
		ledger:   NewLedger(),
		inFlight: NewInFlight(38),
		metrics:  newMetrics(),
		frames:   newReleaseCounter(),
	}
	pool, err := NewFramePool(42, nil, func(f *ImageFrame, path string) {
		fx.metrics.releaseFrame(discardLogger(), f, path)
	})
	require.NoError(t, err)
	fx.pool = pool

	fx.c = &Correlator{
		sessionID: "test",
		ledger:    fx.ledger,
		pool:      fx.pool,
		inFlight:  fx.inFlight,
		metrics:   fx.metrics,
		logger:    discardLogger(),
		progress:  NewProgress(),
		dispatch: func(_ context.Context, pair MatchedPair) error {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			if fx.dispatchErr != nil {
				return fx.dispatchErr
			}
			fx.dispatched = append(fx.dispatched, pair)
			// Stand-in for the sink worker
			_ = pair.Frame.Release()
			return fx.inFlight.Release()
		},
	}
	return fx
}

// submit records n tokens as submitted, seq 1..n
func (fx *correlatorFixture) submit(t *testing.T, n int) []RequestToken {
	t.Helper()
	tokens := make([]RequestToken, n)
	for i := range tokens {
		require.NoError(t, fx.inFlight.Acquire(context.Background()))
		tokens[i] = tok(uint64(i + 1))
		fx.ledger.Append(tokens[i])
	}
	return tokens
}

func (fx *correlatorFixture) image(t *testing.T, ts int64) {
	t.Helper()
	require.NoError(t, fx.pool.Push(fx.frames.frame(ts)))
}

func (fx *correlatorFixture) handle(tok RequestToken, ts int64) Result {
	return fx.c.HandleCompletion(context.Background(), CompletionEvent{Token: tok, Timestamp: ts})
}

func (fx *correlatorFixture) dispatchedTimestamps() []int64 {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	out := make([]int64, 0, len(fx.dispatched))
	for _, p := range fx.dispatched {
		out = append(out, p.Frame.Timestamp)
	}
	return out
}

func TestCorrelator_ExactMatch(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 1)
	fx.image(t, 100)

	res := fx.handle(tokens[0], 100)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, 0, res.Index)
	assert.Zero(t, fx.ledger.Len())
	assert.Zero(t, fx.inFlight.Load())
	assert.Equal(t, []int64{100}, fx.dispatchedTimestamps())
	assert.Equal(t, int64(1), fx.c.progress.Matched())
}

func TestCorrelator_StaleFramesDiscarded(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 1)
	fx.image(t, 80)
	fx.image(t, 90)
	fx.image(t, 100)

	res := fx.handle(tokens[0], 100)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, 2, res.Stale)
	assert.Equal(t, 1, fx.frames.released(80))
	assert.Equal(t, 1, fx.frames.released(90))
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.staleDiscarded))
}

func TestCorrelator_NoImage(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 2)

	res := fx.handle(tokens[0], 100)
	assert.Equal(t, OutcomeNoImage, res.Outcome)
	assert.Equal(t, 1, fx.ledger.Len())
	assert.Equal(t, 1, fx.inFlight.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.abandoned.WithLabelValues("no_image")))
}

func TestCorrelator_MismatchLeavesNewerFrame(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 2)
	fx.image(t, 200)

	res := fx.handle(tokens[0], 100)
	assert.Equal(t, OutcomeMismatch, res.Outcome)
	assert.Equal(t, 1, fx.pool.Len(), "the newer frame belongs to a later request")
	assert.Zero(t, fx.frames.released(200))

	res = fx.handle(tokens[1], 200)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Zero(t, fx.inFlight.Load())
}

func TestCorrelator_UnknownToken(t *testing.T) {
	fx := newCorrelatorFixture(t)
	fx.submit(t, 1)
	fx.image(t, 100)

	res := fx.handle(tok(7), 100)
	assert.Equal(t, OutcomeUnknownToken, res.Outcome)
	assert.Equal(t, 1, fx.pool.Len(), "unknown tokens consume nothing")
	assert.Equal(t, 1, fx.inFlight.Load())
}

func TestCorrelator_WaitsForTurn(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 2)
	fx.image(t, 100)
	fx.image(t, 200)

	second := make(chan Result, 1)
	go func() { second <- fx.handle(tokens[1], 200) }()

	select {
	case <-second:
		t.Fatal("later token matched before the head was resolved")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 2, fx.pool.Len(), "waiting handler must not consume frames")

	assert.Equal(t, OutcomeMatched, fx.handle(tokens[0], 100).Outcome)
	select {
	case res := <-second:
		assert.Equal(t, OutcomeMatched, res.Outcome)
		assert.Equal(t, 1, res.Index)
	case <-time.After(time.Second):
		t.Fatal("second handler never resolved")
	}
	assert.Equal(t, []int64{100, 200}, fx.dispatchedTimestamps())
}

func TestCorrelator_TeardownWhileWaiting(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 2)

	second := make(chan Result, 1)
	go func() { second <- fx.handle(tokens[1], 200) }()
	time.Sleep(10 * time.Millisecond)

	for range fx.ledger.Clear() {
		require.NoError(t, fx.inFlight.Release())
	}

	select {
	case res := <-second:
		assert.Equal(t, OutcomeUnknownToken, res.Outcome)
	case <-time.After(time.Second):
		t.Fatal("waiting handler not released by teardown")
	}
	assert.Zero(t, fx.inFlight.Load())
}

func TestCorrelator_DispatchFailure(t *testing.T) {
	fx := newCorrelatorFixture(t)
	fx.dispatchErr = errors.New("dispatcher stopped")
	tokens := fx.submit(t, 1)
	fx.image(t, 100)

	res := fx.handle(tokens[0], 100)
	assert.Equal(t, OutcomeDispatchFailed, res.Outcome)
	assert.Equal(t, 1, fx.frames.released(100))
	assert.Zero(t, fx.inFlight.Load())
	assert.Zero(t, fx.ledger.Len())
}

func TestCorrelator_ContextCancelled(t *testing.T) {
	fx := newCorrelatorFixture(t)
	tokens := fx.submit(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := fx.c.HandleCompletion(ctx, CompletionEvent{Token: tokens[1], Timestamp: 1})
	assert.Equal(t, OutcomeTeardown, res.Outcome)
}
