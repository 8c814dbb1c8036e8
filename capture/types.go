package capture

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// RequestToken identifies one submitted capture request. Seq is the
// submission position within a session, starting at 1.
type RequestToken struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// String implements fmt.Stringer
func (t RequestToken) String() string {
	return fmt.Sprintf("#%d(%s)", t.Seq, t.ID)
}

// RequestSettings is the read-only per-request control snapshot, captured
// once when a burst starts.
type RequestSettings struct {
	Camera         string        `json:"camera"`
	ISO            int           `json:"iso"`
	ExposureTime   time.Duration `json:"exposure_time"`
	FocusDistance  float64       `json:"focus_distance"`
	ManualExposure bool          `json:"manual_exposure"`
	ManualFocus    bool          `json:"manual_focus"`
	LockAE         bool          `json:"lock_ae"`
	LockAF         bool          `json:"lock_af"`
	LockOIS        bool          `json:"lock_ois"`
}

// Metadata is the per-frame capture result reported with a completion.
type Metadata struct {
	ExposureTime  time.Duration  `json:"exposure_time"`
	Sensitivity   int            `json:"sensitivity"`
	FrameDuration time.Duration  `json:"frame_duration"`
	FocusDistance float64        `json:"focus_distance"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// CompletionEvent reports that a submitted request finished.
type CompletionEvent struct {
	Token     RequestToken `json:"token"`
	Timestamp int64        `json:"timestamp"`
	Metadata  Metadata     `json:"metadata"`
}

// ImageFrame is one raw pixel buffer. It must be released exactly once.
type ImageFrame struct {
	Timestamp int64
	Width     int
	Height    int
	Format    string
	Data      []byte

	released  atomic.Bool
	onRelease func(*ImageFrame)
}

// NewImageFrame creates a frame. onRelease, if set, runs once on the first
// Release and is where a source returns the buffer to its allocator.
func NewImageFrame(timestamp int64, width, height int, format string, data []byte, onRelease func(*ImageFrame)) *ImageFrame {
	return &ImageFrame{
		Timestamp: timestamp,
		Width:     width,
		Height:    height,
		Format:    format,
		Data:      data,
		onRelease: onRelease,
	}
}

// Release closes the frame. A second call returns ErrFrameAlreadyReleased.
func (f *ImageFrame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		return ErrFrameAlreadyReleased
	}
	if f.onRelease != nil {
		f.onRelease(f)
	}
	return nil
}

// Released reports whether Release has been called.
func (f *ImageFrame) Released() bool {
	return f.released.Load()
}

// MatchedPair is a frame with the metadata of the request it belongs to.
// Ownership of Frame passes to the Sink.
type MatchedPair struct {
	SessionID string
	Token     RequestToken
	Frame     *ImageFrame
	Metadata  Metadata
	Settings  RequestSettings
	// Index counts matches within the session, from 0.
	Index int
}

// FrameSource drives a camera. Start opens fresh Images and Completions
// channels; Stop closes both once no further events will be sent.
type FrameSource interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, token RequestToken, settings RequestSettings) error
	Images() <-chan *ImageFrame
	Completions() <-chan CompletionEvent
	Stop(ctx context.Context) error
}

// Sink persists matched pairs. Accept owns pair.Frame and must release it,
// also on error. Any error moves a capturing session to Stopping.
type Sink interface {
	Accept(ctx context.Context, pair MatchedPair) error
}

// Burst describes one burst as it starts. Characteristics carries free-form
// facts about the camera the burst runs against, such as geometry.
type Burst struct {
	SessionID       string
	StartedAt       time.Time
	Settings        RequestSettings
	TargetFPS       float64
	PoolCapacity    int
	Reserve         int
	MaxFrames       int
	Characteristics map[string]string
}

// BurstSink is a Sink that keeps per-burst state. BeginBurst is called once
// per burst, before the first request is submitted; an error fails Start.
type BurstSink interface {
	Sink
	BeginBurst(ctx context.Context, burst Burst) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, pair MatchedPair) error

// Accept implements Sink
func (f SinkFunc) Accept(ctx context.Context, pair MatchedPair) error {
	return f(ctx, pair)
}
