package capture

import (
	"sync"
	"sync/atomic"
)

// ProgressUpdate is published once per matched pair
type ProgressUpdate struct {
	SessionID string `json:"session_id"`
	Matched   int64  `json:"matched"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// Progress exposes the matched-pair count of the current burst to readers
// outside the engine. Subscribers receive updates on a buffered channel; a
// subscriber that falls behind misses updates rather than slowing matching.
type Progress struct {
	matched atomic.Int64

	mu     sync.Mutex
	subs   map[int]chan ProgressUpdate
	nextID int
}

// NewProgress creates a progress publisher
func NewProgress() *Progress {
	return &Progress{subs: make(map[int]chan ProgressUpdate)}
}

// Matched returns the matched-pair count of the current burst
func (p *Progress) Matched() int64 {
	return p.matched.Load()
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and must be called once.
func (p *Progress) Subscribe(buffer int) (<-chan ProgressUpdate, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ProgressUpdate, buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Progress) publish(u ProgressUpdate) {
	for {
		cur := p.matched.Load()
		if u.Matched <= cur || p.matched.CompareAndSwap(cur, u.Matched) {
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (p *Progress) reset() {
	p.matched.Store(0)
}
