package capture

import (
	stderrors "errors"

	"github.com/Ilya-Muromets/Pani/errors"
	"github.com/Ilya-Muromets/Pani/metric"
	"github.com/Ilya-Muromets/Pani/pkg/buffer"
)

// FramePool holds arrived images ordered by sensor timestamp, oldest first,
// whatever order they arrived in. A full pool rejects the arriving image,
// which is released at once; queued images are never evicted.
type FramePool struct {
	buf     buffer.Buffer[*ImageFrame]
	release func(f *ImageFrame, path string)
}

// NewFramePool creates a pool of the given capacity. release is called for
// every frame the pool itself disposes of. registry may be nil.
func NewFramePool(capacity int, registry metric.MetricsRegistrar, release func(f *ImageFrame, path string)) (*FramePool, error) {
	if release == nil {
		release = func(f *ImageFrame, _ string) { _ = f.Release() }
	}
	p := &FramePool{release: release}

	opts := []buffer.Option[*ImageFrame]{
		buffer.WithOverflowPolicy[*ImageFrame](buffer.DropNewest),
		buffer.WithOrdering(func(a, b *ImageFrame) bool { return a.Timestamp < b.Timestamp }),
		buffer.WithDropCallback(func(f *ImageFrame) { p.release(f, releaseOverflow) }),
	}
	if registry != nil {
		opts = append(opts, buffer.WithMetrics[*ImageFrame](registry, "frame_pool"))
	}

	buf, err := buffer.NewCircularBuffer(capacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "FramePool", "NewFramePool", "buffer creation")
	}
	p.buf = buf
	return p, nil
}

// Push enqueues an arriving frame. If the pool is full the frame has already
// been released when ErrPoolFull is returned.
func (p *FramePool) Push(f *ImageFrame) error {
	if err := p.buf.Write(f); err != nil {
		if stderrors.Is(err, buffer.ErrBufferFull) {
			return ErrPoolFull
		}
		return err
	}
	return nil
}

// PopOldest removes and returns the frame with the lowest timestamp
func (p *FramePool) PopOldest() (*ImageFrame, bool) {
	return p.buf.Read()
}

// popNotAfter removes the oldest frame if its timestamp is at or before ts.
// A newer oldest frame is left queued: it belongs to a later request.
func (p *FramePool) popNotAfter(ts int64) (f *ImageFrame, found, removed bool) {
	return p.buf.ReadIf(func(f *ImageFrame) bool { return f.Timestamp <= ts })
}

// ReleaseAll releases every queued frame and returns how many there were
func (p *FramePool) ReleaseAll() int {
	frames := p.buf.Drain()
	for _, f := range frames {
		p.release(f, releaseDrain)
	}
	return len(frames)
}

// Len returns the number of queued frames
func (p *FramePool) Len() int { return p.buf.Size() }

// Capacity returns the pool capacity
func (p *FramePool) Capacity() int { return p.buf.Capacity() }

// Stats returns the underlying buffer statistics
func (p *FramePool) Stats() *buffer.Statistics { return p.buf.Stats() }
