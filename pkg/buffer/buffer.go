// Package buffer provides a generic, thread-safe ring buffer with overflow
// policies, always-on statistics and optional Prometheus metrics.
//
// The capture frame pool is built on it: frames are written in arrival order,
// consumed oldest first, and a full buffer either evicts the oldest item or
// rejects the newest one, handing the dropped item to a callback so the owner
// can release it.
package buffer

import (
	stderrors "errors"
)

// ErrBufferFull is returned by Write under DropNewest when the buffer is full.
// The rejected item has already been passed to the drop callback.
var ErrBufferFull = stderrors.New("buffer full")

// ErrBufferClosed is returned by Write after Close.
var ErrBufferClosed = stderrors.New("buffer closed")

// Buffer represents a generic FIFO buffer.
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow policy.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadIf removes and returns the oldest item only if keep reports true for
	// it. The check and removal happen under one lock. The second result is
	// false when the buffer is empty; the third reports whether the item was
	// removed.
	ReadIf(keep func(T) bool) (item T, found bool, removed bool)

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Drain removes and returns all items, oldest first. The drop callback
	// is not invoked.
	Drain() []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes. Queued items stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects the new item and leaves queued items untouched.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item dropped by
// the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
