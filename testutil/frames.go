package testutil

import (
	"sync"

	"github.com/Ilya-Muromets/Pani/capture"
)

// ReleaseTracker creates frames and counts how often each one's release
// hook ran.
type ReleaseTracker struct {
	mu       sync.Mutex
	created  int
	released map[int64]int
}

// NewReleaseTracker creates an empty tracker
func NewReleaseTracker() *ReleaseTracker {
	return &ReleaseTracker{released: make(map[int64]int)}
}

// NewFrame creates a tiny RAW16 frame with timestamp ts
func (t *ReleaseTracker) NewFrame(ts int64) *capture.ImageFrame {
	t.mu.Lock()
	t.created++
	t.mu.Unlock()
	return capture.NewImageFrame(ts, 2, 2, "RAW16", make([]byte, 8), func(f *capture.ImageFrame) {
		t.mu.Lock()
		t.released[f.Timestamp]++
		t.mu.Unlock()
	})
}

// Released returns how many times the frame with timestamp ts was released
func (t *ReleaseTracker) Released(ts int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released[ts]
}

// Created returns the number of frames created
func (t *ReleaseTracker) Created() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created
}

// Outstanding returns the number of created frames not yet released
func (t *ReleaseTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.created
	for _, c := range t.released {
		n -= c
	}
	return n
}

// MaxReleases returns the highest release count of any frame
func (t *ReleaseTracker) MaxReleases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	highest := 0
	for _, c := range t.released {
		if c > highest {
			highest = c
		}
	}
	return highest
}
