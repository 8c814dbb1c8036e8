// Package simulated is a synthetic camera for running bursts without
// hardware. Each submitted request yields an image and a completion on
// independent timers, so both streams arrive out of order the way a real
// camera pipeline delivers them.
package simulated

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
)

const (
	formatRAW16     = "RAW16"
	defaultExposure = 10 * time.Millisecond
	// readout is how long after its image a completion is reported
	readout = 2 * time.Millisecond
)

// Config configures the synthetic camera
type Config struct {
	Width  int
	Height int
	// FrameInterval is the minimum spacing of sensor timestamps. Zero means
	// the exposure time.
	FrameInterval    time.Duration
	CompletionJitter time.Duration
	ImageJitter      time.Duration
	// DropRate is the probability that a request produces no image.
	DropRate float64
	Seed     int64
	// Buffer is the capacity of each output channel.
	Buffer int
}

// Source implements capture.FrameSource
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	images      chan *capture.ImageFrame
	completions chan capture.CompletionEvent
	running     bool
	nextTS      int64
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	buffers     sync.Pool
	outstanding atomic.Int64
	dropped     atomic.Int64
}

// New creates a stopped source
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.Width * cfg.Height * 2
	s := &Source{
		cfg:    cfg,
		logger: logger.With("component", "simulated-source"),
	}
	s.buffers.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return s
}

// Start implements capture.FrameSource
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Source", "Start", "state check")
	}
	seed := uint64(s.cfg.Seed)
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s.images = make(chan *capture.ImageFrame, s.cfg.Buffer)
	s.completions = make(chan capture.CompletionEvent, s.cfg.Buffer)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.nextTS = 0
	s.running = true
	s.logger.Info("Simulated camera started", "width", s.cfg.Width, "height", s.cfg.Height, "drop_rate", s.cfg.DropRate)
	return nil
}

// Submit implements capture.FrameSource
func (s *Source) Submit(_ context.Context, token capture.RequestToken, settings capture.RequestSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Source", "Submit", "state check")
	}

	exposure := settings.ExposureTime
	if exposure <= 0 {
		exposure = defaultExposure
	}
	frameDuration := s.cfg.FrameInterval
	if frameDuration < exposure {
		frameDuration = exposure
	}

	// Sensor timestamps are strictly increasing and never ahead of the clock
	now := time.Now().UnixNano()
	ts := s.nextTS
	if ts < now {
		ts = now
	}
	s.nextTS = ts + frameDuration.Nanoseconds()

	drop := s.cfg.DropRate > 0 && s.rng.Float64() < s.cfg.DropRate
	imageDelay := exposure + s.jitter(s.cfg.ImageJitter)
	completionDelay := imageDelay + readout + s.jitter(s.cfg.CompletionJitter)

	ev := capture.CompletionEvent{
		Token:     token,
		Timestamp: ts,
		Metadata: capture.Metadata{
			ExposureTime:  exposure,
			Sensitivity:   settings.ISO,
			FrameDuration: frameDuration,
			FocusDistance: settings.FocusDistance,
			Extra: map[string]any{
				"camera":   settings.Camera,
				"lock_ae":  settings.LockAE,
				"lock_af":  settings.LockAF,
				"lock_ois": settings.LockOIS,
			},
		},
	}

	if drop {
		s.dropped.Add(1)
	} else {
		frame := s.newFrame(ts, token.Seq)
		s.after(imageDelay, func(ctx context.Context) {
			select {
			case s.images <- frame:
			case <-ctx.Done():
				_ = frame.Release()
			}
		})
	}
	s.after(completionDelay, func(ctx context.Context) {
		select {
		case s.completions <- ev:
		case <-ctx.Done():
		}
	})
	return nil
}

// jitter returns a uniform duration in [0, max). Callers hold mu.
func (s *Source) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int64N(int64(max)))
}

// after runs fn once d has elapsed unless the source stops first. Callers
// hold mu.
func (s *Source) after(d time.Duration, fn func(ctx context.Context)) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn(ctx)
		case <-ctx.Done():
			fn(ctx)
		}
	}()
}

func (s *Source) newFrame(ts int64, seq uint64) *capture.ImageFrame {
	buf := s.buffers.Get().(*[]byte)
	data := *buf
	// A recognizable ramp offset by the request sequence
	for i := 0; i+1 < len(data); i += 2 {
		binary.LittleEndian.PutUint16(data[i:], uint16(uint64(i/2)+seq))
	}
	s.outstanding.Add(1)
	return capture.NewImageFrame(ts, s.cfg.Width, s.cfg.Height, formatRAW16, data, func(*capture.ImageFrame) {
		s.outstanding.Add(-1)
		s.buffers.Put(buf)
	})
}

// Images implements capture.FrameSource
func (s *Source) Images() <-chan *capture.ImageFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images
}

// Completions implements capture.FrameSource
func (s *Source) Completions() <-chan capture.CompletionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completions
}

// Stop implements capture.FrameSource. Pending events are abandoned and
// their frames released.
func (s *Source) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	// Timers exit as soon as the context is cancelled
	s.wg.Wait()

	s.mu.Lock()
	close(s.images)
	close(s.completions)
	s.mu.Unlock()
	s.logger.Info("Simulated camera stopped", "dropped", s.dropped.Load())
	return nil
}

// Outstanding returns the number of frames handed out and not yet released
func (s *Source) Outstanding() int64 { return s.outstanding.Load() }

// Dropped returns how many requests produced no image
func (s *Source) Dropped() int64 { return s.dropped.Load() }
