package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Ilya-Muromets/Pani/capture"
)

// RecordingSink is a capture.BurstSink that records every burst and pair and
// releases each frame.
type RecordingSink struct {
	// Fail, when set, decides the result of each Accept.
	Fail func(pair capture.MatchedPair) error
	// Delay is slept before recording.
	Delay time.Duration
	// Block, when set, is waited on before recording.
	Block chan struct{}
	// BurstErr is returned from BeginBurst.
	BurstErr error

	mu     sync.Mutex
	pairs  []capture.MatchedPair
	bursts []capture.Burst
}

// NewRecordingSink creates an empty sink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

var _ capture.BurstSink = (*RecordingSink)(nil)

// Accept implements capture.Sink
func (s *RecordingSink) Accept(ctx context.Context, pair capture.MatchedPair) error {
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
		}
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	s.mu.Lock()
	s.pairs = append(s.pairs, pair)
	s.mu.Unlock()

	_ = pair.Frame.Release()
	if s.Fail != nil {
		return s.Fail(pair)
	}
	return nil
}

// BeginBurst implements capture.BurstSink
func (s *RecordingSink) BeginBurst(_ context.Context, b capture.Burst) error {
	s.mu.Lock()
	s.bursts = append(s.bursts, b)
	s.mu.Unlock()
	return s.BurstErr
}

// Bursts returns the recorded burst starts
func (s *RecordingSink) Bursts() []capture.Burst {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Burst, len(s.bursts))
	copy(out, s.bursts)
	return out
}

// Pairs returns the recorded pairs in arrival order
func (s *RecordingSink) Pairs() []capture.MatchedPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.MatchedPair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Timestamps returns the frame timestamps of the recorded pairs
func (s *RecordingSink) Timestamps() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p.Frame.Timestamp)
	}
	return out
}

// Seqs returns the token sequence numbers of the recorded pairs
func (s *RecordingSink) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p.Token.Seq)
	}
	return out
}

// Len returns the number of recorded pairs
func (s *RecordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}
