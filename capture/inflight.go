package capture

import (
	"context"
	"sync"
)

// InFlight counts submitted requests that are not yet resolved. Acquire
// blocks while the count is at the limit.
type InFlight struct {
	mu      sync.Mutex
	count   int
	limit   int
	peak    int
	changed chan struct{}
}

// NewInFlight creates a counter admitting at most limit unresolved requests
func NewInFlight(limit int) *InFlight {
	if limit < 1 {
		limit = 1
	}
	return &InFlight{limit: limit, changed: make(chan struct{})}
}

func (f *InFlight) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Acquire waits until the count is below the limit, then increments it.
// It never increments once ctx is done.
func (f *InFlight) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.mu.Lock()
		if f.count < f.limit {
			f.count++
			if f.count > f.peak {
				f.peak = f.count
			}
			f.notifyLocked()
			f.mu.Unlock()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release decrements the count. It never goes below zero.
func (f *InFlight) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		return ErrInFlightUnderflow
	}
	f.count--
	f.notifyLocked()
	return nil
}

// WaitZero blocks until the count reaches zero
func (f *InFlight) WaitZero(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.count == 0 {
			f.mu.Unlock()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Load returns the current count
func (f *InFlight) Load() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Limit returns the admission limit
func (f *InFlight) Limit() int { return f.limit }

// Peak returns the highest count seen since the last ResetPeak
func (f *InFlight) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// ResetPeak sets the peak to the current count
func (f *InFlight) ResetPeak() {
	f.mu.Lock()
	f.peak = f.count
	f.mu.Unlock()
}
