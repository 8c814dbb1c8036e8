// Package objectstore persists matched pairs into a NATS JetStream object
// store bucket. Each pair becomes two objects under the session's prefix:
// <session>/IMG_<camera>_<NNN>.raw holding the pixels and a .json object
// holding the metadata record. Each burst also gets a
// <session>/CHARACTERISTICS.json object describing its setup. Transient put failures are retried with
// backoff; anything else fails the pair, which stops the burst.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/health"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/natsclient"
	"github.com/Ilya-Muromets/Pani/pkg/retry"
	"github.com/Ilya-Muromets/Pani/sink"
)

const sinkName = "objectstore"

// ErrObjectExists is returned when a key is taken and Overwrite is off
var ErrObjectExists = stderrors.New("object already exists")

// Bucket is the part of jetstream.ObjectStore the sink uses
type Bucket interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	GetInfo(ctx context.Context, name string, opts ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error)
}

var _ Bucket = (jetstream.ObjectStore)(nil)

// Config holds configuration for the object store sink
type Config struct {
	Bucket    string
	Overwrite bool
	Retry     errors.RetryConfig
}

// DefaultConfig returns the sink defaults for bucket
func DefaultConfig(bucket string) Config {
	return Config{
		Bucket: bucket,
		Retry:  errors.DefaultRetryConfig(),
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "bucket is required")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "retry count cannot be negative")
	}
	return nil
}

// Sink writes frames into an object store bucket
type Sink struct {
	cfg         Config
	bucket      Bucket
	core        *metric.Metrics
	metrics     *storeMetrics
	logger      *slog.Logger
	startTime   time.Time
	objects     atomic.Int64
	records     atomic.Int64
	bytesStored atomic.Int64
	failures    atomic.Int64
	retries     atomic.Int64
}

// Open connects the sink to its bucket through client, creating the bucket
// when missing.
func Open(ctx context.Context, client *natsclient.Client, cfg Config, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := client.ObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "Pani burst captures",
	}, true)
	if err != nil {
		return nil, err
	}

	var core *metric.Metrics
	var registrar metric.MetricsRegistrar
	if registry != nil {
		core = registry.CoreMetrics()
		registrar = registry
	}
	return New(store, cfg, core, registrar, logger)
}

// New wraps an opened bucket. core and registry may be nil.
func New(bucket Bucket, cfg Config, core *metric.Metrics, registry metric.MetricsRegistrar,
	logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "New", "bucket required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newStoreMetrics(registry, cfg.Bucket)
	if err != nil {
		return nil, errors.WrapFatal(err, "Sink", "New", "register metrics")
	}

	return &Sink{
		cfg:       cfg,
		bucket:    bucket,
		core:      core,
		metrics:   m,
		logger:    logger.With("component", "objectstore-sink", "bucket", cfg.Bucket),
		startTime: time.Now(),
	}, nil
}

// Key returns the object key prefix for a pair
func Key(pair capture.MatchedPair) string {
	if pair.SessionID == "" {
		return sink.BaseName(pair)
	}
	return path.Join(pair.SessionID, sink.BaseName(pair))
}

// Accept implements capture.Sink. The frame is released on every path.
func (s *Sink) Accept(ctx context.Context, pair capture.MatchedPair) error {
	defer sink.Release(s.logger, "objectstore-sink", pair)

	start := time.Now()
	n, err := s.store(ctx, pair)
	if s.core != nil {
		s.core.RecordSinkWrite(sinkName, n, time.Since(start), err)
	}
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("Frame store failed",
			"session_id", pair.SessionID,
			"seq", pair.Token.Seq,
			"error", err)
		return err
	}
	s.logger.Debug("Frame stored",
		"session_id", pair.SessionID,
		"seq", pair.Token.Seq,
		"key", Key(pair),
		"bytes", n)
	return nil
}

// BeginBurst implements capture.BurstSink by storing the burst's
// characteristics record next to its frames.
func (s *Sink) BeginBurst(ctx context.Context, b capture.Burst) error {
	data, err := json.MarshalIndent(sink.NewCharacteristics(b), "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "BeginBurst", "marshal characteristics")
	}
	name := path.Join(b.SessionID, sink.CharacteristicsName+sink.MetaExt)
	fields := map[string]string{
		"session_id": b.SessionID,
		"started_at": b.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.put(ctx, "characteristics", name, data, fields); err != nil {
		s.failures.Add(1)
		s.logger.Error("Characteristics store failed", "session_id", b.SessionID, "error", err)
		return err
	}
	s.records.Add(1)
	return nil
}

func (s *Sink) store(ctx context.Context, pair capture.MatchedPair) (int, error) {
	if pair.Frame == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Sink", "Accept", "pair has no frame")
	}
	key := Key(pair)

	meta, err := json.Marshal(sink.NewRecord(pair))
	if err != nil {
		return 0, errors.WrapInvalid(err, "Sink", "Accept", "marshal metadata")
	}

	fields := map[string]string{
		"seq":        strconv.FormatUint(pair.Token.Seq, 10),
		"request_id": pair.Token.ID,
		"timestamp":  strconv.FormatInt(pair.Frame.Timestamp, 10),
		"format":     pair.Frame.Format,
		"width":      strconv.Itoa(pair.Frame.Width),
		"height":     strconv.Itoa(pair.Frame.Height),
	}

	if err := s.put(ctx, "raw", key+sink.RawExt, pair.Frame.Data, fields); err != nil {
		return 0, err
	}
	if err := s.put(ctx, "meta", key+sink.MetaExt, meta, fields); err != nil {
		return 0, err
	}
	return len(pair.Frame.Data) + len(meta), nil
}

func (s *Sink) put(ctx context.Context, kind, name string, data []byte, fields map[string]string) error {
	if !s.cfg.Overwrite {
		if err := s.checkFree(ctx, name); err != nil {
			return err
		}
	}

	start := time.Now()
	attempt := 0
	err := retry.Do(ctx, s.cfg.Retry.ToRetryConfig(), func() error {
		attempt++
		if attempt > 1 {
			s.retries.Add(1)
			if s.metrics != nil {
				s.metrics.retries.Inc()
			}
		}
		_, err := s.bucket.Put(ctx, jetstream.ObjectMeta{
			Name:     name,
			Metadata: fields,
		}, bytes.NewReader(data))
		if err == nil {
			return nil
		}
		wrapped := errors.WrapTransient(err, "Sink", "Accept", fmt.Sprintf("put %s", name))
		if ctx.Err() != nil || !s.cfg.Retry.ShouldRetry(wrapped, attempt-1) {
			return retry.NonRetryable(wrapped)
		}
		return wrapped
	})

	if s.metrics != nil {
		s.metrics.writeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.errors.WithLabelValues("put").Inc()
		}
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return nre.Err
		}
		return errors.WrapTransient(err, "Sink", "Accept", fmt.Sprintf("put %s", name))
	}

	s.objects.Add(1)
	s.bytesStored.Add(int64(len(data)))
	if s.metrics != nil {
		s.metrics.writeOps.WithLabelValues(kind).Inc()
		s.metrics.storedBytes.Add(float64(len(data)))
	}
	return nil
}

func (s *Sink) checkFree(ctx context.Context, name string) error {
	info, err := s.bucket.GetInfo(ctx, name)
	switch {
	case stderrors.Is(err, jetstream.ErrObjectNotFound):
		return nil
	case err != nil:
		if s.metrics != nil {
			s.metrics.errors.WithLabelValues("get_info").Inc()
		}
		return errors.WrapTransient(err, "Sink", "Accept", fmt.Sprintf("check %s", name))
	case info != nil && info.Deleted:
		return nil
	default:
		return errors.WrapFatal(ErrObjectExists, "Sink", "Accept", fmt.Sprintf("put %s", name))
	}
}

// Health reports the sink status with write counters
func (s *Sink) Health() health.Status {
	failures := int(s.failures.Load())
	status := health.NewHealthy("objectstore-sink", fmt.Sprintf("writing to bucket %s", s.cfg.Bucket))
	if failures > 0 {
		status = health.NewDegraded("objectstore-sink", fmt.Sprintf("%d failed frames", failures))
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:        time.Since(s.startTime),
		ErrorCount:    failures,
		FramesMatched: (s.objects.Load() - s.records.Load()) / 2,
	})
}

// Counts returns objects and bytes stored, and retried puts.
func (s *Sink) Counts() (objects, stored, retries int64) {
	return s.objects.Load(), s.bytesStored.Load(), s.retries.Load()
}
