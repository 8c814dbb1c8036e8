package objectstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/sink"
	"github.com/Ilya-Muromets/Pani/testutil"
)

// memBucket is an in-memory Bucket. failPuts makes the next n puts fail.
type memBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	failPuts int
	puts     int
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (b *memBucket) Put(_ context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.failPuts > 0 {
		b.failPuts--
		return nil, stderrors.New("nats: timeout")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b.objects[meta.Name] = data
	b.meta[meta.Name] = meta.Metadata
	return &jetstream.ObjectInfo{ObjectMeta: meta, Size: uint64(len(data))}, nil
}

func (b *memBucket) GetInfo(_ context.Context, name string, _ ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return &jetstream.ObjectInfo{ObjectMeta: jetstream.ObjectMeta{Name: name}}, nil
}

func (b *memBucket) get(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	return data, ok
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func pairFor(tracker *testutil.ReleaseTracker, index int, ts int64) capture.MatchedPair {
	return capture.MatchedPair{
		SessionID: "burst-1",
		Token:     capture.RequestToken{ID: "req", Seq: uint64(index + 1)},
		Frame:     tracker.NewFrame(ts),
		Settings:  capture.RequestSettings{Camera: "MAIN"},
		Index:     index,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.True(t, errors.IsInvalid(Config{}.Validate()))
	assert.NoError(t, DefaultConfig("frames").Validate())

	cfg := DefaultConfig("frames")
	cfg.Retry.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestKey(t *testing.T) {
	pair := capture.MatchedPair{SessionID: "abc", Index: 4, Settings: capture.RequestSettings{Camera: "TELE"}}
	assert.Equal(t, "abc/IMG_TELE_004", Key(pair))

	pair.SessionID = ""
	assert.Equal(t, "IMG_TELE_004", Key(pair))
}

func TestSink_StoresFrameAndRecord(t *testing.T) {
	bucket := newMemBucket()
	registry := metric.NewMetricsRegistry()
	cfg := DefaultConfig("frames")
	cfg.Retry = fastRetry()

	s, err := New(bucket, cfg, registry.CoreMetrics(), registry, nil)
	require.NoError(t, err)

	tracker := testutil.NewReleaseTracker()
	require.NoError(t, s.Accept(context.Background(), pairFor(tracker, 0, 500)))

	raw, ok := bucket.get("burst-1/IMG_MAIN_000.raw")
	require.True(t, ok)
	assert.Len(t, raw, 8)

	data, ok := bucket.get("burst-1/IMG_MAIN_000.json")
	require.True(t, ok)
	var rec sink.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, int64(500), rec.Timestamp)
	assert.Equal(t, "500", bucket.meta["burst-1/IMG_MAIN_000.raw"]["timestamp"])

	assert.Equal(t, 1, tracker.Released(500))
	objects, _, retries := s.Counts()
	assert.Equal(t, int64(2), objects)
	assert.Equal(t, int64(0), retries)

	assert.Equal(t, 1.0, promtest.ToFloat64(s.metrics.writeOps.WithLabelValues("raw")))
	assert.Equal(t, 1.0, promtest.ToFloat64(registry.CoreMetrics().SinkWrites.WithLabelValues("objectstore", "success")))
	assert.True(t, s.Health().IsHealthy())
}

func TestSink_RetriesTransientPut(t *testing.T) {
	bucket := newMemBucket()
	bucket.failPuts = 2
	cfg := DefaultConfig("frames")
	cfg.Retry = fastRetry()

	s, err := New(bucket, cfg, nil, nil, nil)
	require.NoError(t, err)

	tracker := testutil.NewReleaseTracker()
	require.NoError(t, s.Accept(context.Background(), pairFor(tracker, 1, 7)))

	_, ok := bucket.get("burst-1/IMG_MAIN_001.raw")
	assert.True(t, ok)
	_, _, retries := s.Counts()
	assert.Equal(t, int64(2), retries)
}

func TestSink_GivesUpAfterRetries(t *testing.T) {
	bucket := newMemBucket()
	bucket.failPuts = 100
	cfg := DefaultConfig("frames")
	cfg.Retry = fastRetry()

	s, err := New(bucket, cfg, nil, nil, nil)
	require.NoError(t, err)

	tracker := testutil.NewReleaseTracker()
	err = s.Accept(context.Background(), pairFor(tracker, 0, 9))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 3, bucket.puts)
	assert.Equal(t, 1, tracker.Released(9))
	assert.True(t, s.Health().IsDegraded())
}

func TestSink_RefusesExistingKey(t *testing.T) {
	bucket := newMemBucket()
	cfg := DefaultConfig("frames")
	cfg.Retry = fastRetry()
	s, err := New(bucket, cfg, nil, nil, nil)
	require.NoError(t, err)

	tracker := testutil.NewReleaseTracker()
	require.NoError(t, s.Accept(context.Background(), pairFor(tracker, 0, 1)))

	err = s.Accept(context.Background(), pairFor(tracker, 0, 2))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, ErrObjectExists)
	assert.Equal(t, 0, tracker.Outstanding())

	cfg.Overwrite = true
	s, err = New(bucket, cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Accept(context.Background(), pairFor(tracker, 0, 3)))
}

func TestNew_MissingBucket(t *testing.T) {
	_, err := New(nil, DefaultConfig("frames"), nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestSink_BeginBurstStoresCharacteristics(t *testing.T) {
	bucket := newMemBucket()
	cfg := DefaultConfig("frames")
	cfg.Retry = fastRetry()
	s, err := New(bucket, cfg, nil, nil, nil)
	require.NoError(t, err)

	started := time.Date(2024, 3, 7, 21, 15, 0, 0, time.UTC)
	require.NoError(t, s.BeginBurst(context.Background(), capture.Burst{
		SessionID:    "burst-1",
		StartedAt:    started,
		PoolCapacity: 42,
		Reserve:      4,
	}))

	data, ok := bucket.get("burst-1/CHARACTERISTICS.json")
	require.True(t, ok)
	var c sink.Characteristics
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Equal(t, "burst-1", c.SessionID)
	assert.Equal(t, sink.DefaultCamera, c.Camera)
	assert.Equal(t, 38, c.MaxInFlight)
	assert.Equal(t, "2024-03-07T21:15:00Z", bucket.meta["burst-1/CHARACTERISTICS.json"]["started_at"])

	// A second burst under the same id is refused.
	err = s.BeginBurst(context.Background(), capture.Burst{SessionID: "burst-1", StartedAt: started})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	tracker := testutil.NewReleaseTracker()
	require.NoError(t, s.Accept(context.Background(), pairFor(tracker, 0, 500)))
	assert.Equal(t, int64(1), s.Health().Metrics.FramesMatched)
}
