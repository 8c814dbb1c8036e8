// Package natsbridge carries the capture protocol over NATS. Bridge is a
// capture.FrameSource for a camera process on the other side of the bus;
// Relay is that camera process, serving any local FrameSource.
//
// Subjects, under a configurable prefix:
//
//	<prefix>.requests     JSON requestMessage, engine to camera
//	<prefix>.completions  JSON capture.CompletionEvent, camera to engine
//	<prefix>.images       raw pixels, camera to engine, described by headers
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/natsclient"
	"github.com/Ilya-Muromets/Pani/pkg/timestamp"
)

// Image message headers
const (
	HeaderTimestamp = "Capture-Timestamp"
	HeaderWidth     = "Image-Width"
	HeaderHeight    = "Image-Height"
	HeaderFormat    = "Image-Format"
	HeaderRequestID = "Pani-Request-Id"
)

// Conn is the part of natsclient.Client the bridge uses
type Conn interface {
	Subscribe(ctx context.Context, subject string, handler natsclient.MsgHandler) (*nats.Subscription, error)
	Unsubscribe(sub *nats.Subscription) error
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

var _ Conn = (*natsclient.Client)(nil)

// Subjects names the three protocol subjects
type Subjects struct {
	Requests    string
	Completions string
	Images      string
}

// NewSubjects derives the subjects from prefix
func NewSubjects(prefix string) Subjects {
	return Subjects{
		Requests:    prefix + ".requests",
		Completions: prefix + ".completions",
		Images:      prefix + ".images",
	}
}

type requestMessage struct {
	Token    capture.RequestToken    `json:"token"`
	Settings capture.RequestSettings `json:"settings"`
}

// Bridge implements capture.FrameSource over NATS
type Bridge struct {
	conn     Conn
	subjects Subjects
	buffer   int
	logger   *slog.Logger

	mu          sync.RWMutex
	running     bool
	stopping    chan struct{}
	stopOnce    *sync.Once
	images      chan *capture.ImageFrame
	completions chan capture.CompletionEvent
	subs        []*nats.Subscription

	outstanding atomic.Int64
	rejected    atomic.Int64
}

// NewBridge creates a stopped bridge. buffer is the capacity of each output
// channel.
func NewBridge(conn Conn, prefix string, buffer int, logger *slog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		conn:     conn,
		subjects: NewSubjects(prefix),
		buffer:   buffer,
		logger:   logger.With("component", "nats-bridge", "prefix", prefix),
	}
}

// Start implements capture.FrameSource
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "state check")
	}

	b.images = make(chan *capture.ImageFrame, b.buffer)
	b.completions = make(chan capture.CompletionEvent, b.buffer)
	b.stopping = make(chan struct{})
	b.stopOnce = &sync.Once{}

	imgSub, err := b.conn.Subscribe(ctx, b.subjects.Images, b.handleImage)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "image subscription")
	}
	compSub, err := b.conn.Subscribe(ctx, b.subjects.Completions, b.handleCompletion)
	if err != nil {
		_ = b.conn.Unsubscribe(imgSub)
		return errors.WrapTransient(err, "Bridge", "Start", "completion subscription")
	}
	b.subs = []*nats.Subscription{imgSub, compSub}
	b.running = true
	b.logger.Info("NATS bridge started")
	return nil
}

// Submit implements capture.FrameSource
func (b *Bridge) Submit(ctx context.Context, token capture.RequestToken, settings capture.RequestSettings) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Bridge", "Submit", "state check")
	}

	data, err := json.Marshal(requestMessage{Token: token, Settings: settings})
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "Submit", "request encoding")
	}
	msg := nats.NewMsg(b.subjects.Requests)
	msg.Data = data
	msg.Header.Set(HeaderRequestID, token.ID)
	if err := b.conn.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(err, "Bridge", "Submit", "request publish")
	}
	return nil
}

// Images implements capture.FrameSource
func (b *Bridge) Images() <-chan *capture.ImageFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.images
}

// Completions implements capture.FrameSource
func (b *Bridge) Completions() <-chan capture.CompletionEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.completions
}

// Stop implements capture.FrameSource
func (b *Bridge) Stop(_ context.Context) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return nil
	}
	// Unblocks handlers waiting on a full channel; they hold the read lock.
	b.stopOnce.Do(func() { close(b.stopping) })
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false

	var errs []error
	for _, sub := range b.subs {
		if err := b.conn.Unsubscribe(sub); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	close(b.images)
	close(b.completions)

	b.logger.Info("NATS bridge stopped", "rejected", b.rejected.Load())
	if len(errs) > 0 {
		return errors.Wrap(fmt.Errorf("%d unsubscribe errors: %w", len(errs), errs[0]), "Bridge", "Stop", "unsubscribe")
	}
	return nil
}

func (b *Bridge) handleImage(_ context.Context, msg *nats.Msg) {
	frame, err := b.decodeImage(msg)
	if err != nil {
		b.rejected.Add(1)
		b.logger.Warn("Rejected image message", "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		_ = frame.Release()
		return
	}
	select {
	case b.images <- frame:
	case <-b.stopping:
		_ = frame.Release()
	}
}

func (b *Bridge) handleCompletion(_ context.Context, msg *nats.Msg) {
	var ev capture.CompletionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.rejected.Add(1)
		b.logger.Warn("Rejected completion message", "error", err)
		return
	}
	if ev.Token.ID == "" {
		b.rejected.Add(1)
		b.logger.Warn("Rejected completion without token")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return
	}
	select {
	case b.completions <- ev:
	case <-b.stopping:
	}
}

func (b *Bridge) decodeImage(msg *nats.Msg) (*capture.ImageFrame, error) {
	if msg.Header == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Bridge", "decodeImage", "header check")
	}
	ts, err := timestamp.ParseSensor(msg.Header.Get(HeaderTimestamp))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "decodeImage", "timestamp parse")
	}
	width, err := headerDimension(msg.Header, HeaderWidth)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "decodeImage", "width parse")
	}
	height, err := headerDimension(msg.Header, HeaderHeight)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "decodeImage", "height parse")
	}

	b.outstanding.Add(1)
	return capture.NewImageFrame(ts, width, height, msg.Header.Get(HeaderFormat), msg.Data, func(*capture.ImageFrame) {
		b.outstanding.Add(-1)
	}), nil
}

func headerDimension(h nats.Header, key string) (int, error) {
	v, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return 0, fmt.Errorf("%w: %s header %q", errors.ErrParsingFailed, key, h.Get(key))
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %s %d", errors.ErrInvalidData, key, v)
	}
	return v, nil
}

// Outstanding returns the number of received frames not yet released
func (b *Bridge) Outstanding() int64 { return b.outstanding.Load() }

// Rejected returns the number of malformed messages dropped
func (b *Bridge) Rejected() int64 { return b.rejected.Load() }

// encodeImage builds the image message for frame
func encodeImage(subject string, frame *capture.ImageFrame) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = frame.Data
	msg.Header.Set(HeaderTimestamp, timestamp.FormatSensor(frame.Timestamp))
	msg.Header.Set(HeaderWidth, strconv.Itoa(frame.Width))
	msg.Header.Set(HeaderHeight, strconv.Itoa(frame.Height))
	msg.Header.Set(HeaderFormat, frame.Format)
	return msg
}
