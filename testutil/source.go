package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/Ilya-Muromets/Pani/capture"
)

// ErrSourceStopped is returned when emitting into a stopped ManualSource
var ErrSourceStopped = errors.New("manual source stopped")

// ManualSource is a capture.FrameSource whose images and completions are
// emitted by the test. Submitted tokens are recorded in order.
type ManualSource struct {
	// SubmitFunc, when set, decides the result of each Submit.
	SubmitFunc func(token capture.RequestToken) error

	buffer int

	mu          sync.Mutex
	images      chan *capture.ImageFrame
	completions chan capture.CompletionEvent
	running     bool
	submitted   []capture.RequestToken
	settings    []capture.RequestSettings
	submitCh    chan capture.RequestToken
	starts      int
	stops       int
}

// NewManualSource creates a source whose channels hold buffer events
func NewManualSource(buffer int) *ManualSource {
	if buffer < 1 {
		buffer = 256
	}
	return &ManualSource{
		buffer:   buffer,
		submitCh: make(chan capture.RequestToken, 4096),
	}
}

// Start implements capture.FrameSource
func (m *ManualSource) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = make(chan *capture.ImageFrame, m.buffer)
	m.completions = make(chan capture.CompletionEvent, m.buffer)
	m.running = true
	m.starts++
	return nil
}

// Submit implements capture.FrameSource
func (m *ManualSource) Submit(_ context.Context, token capture.RequestToken, settings capture.RequestSettings) error {
	if m.SubmitFunc != nil {
		if err := m.SubmitFunc(token); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.submitted = append(m.submitted, token)
	m.settings = append(m.settings, settings)
	m.mu.Unlock()

	select {
	case m.submitCh <- token:
	default:
	}
	return nil
}

// Images implements capture.FrameSource
func (m *ManualSource) Images() <-chan *capture.ImageFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images
}

// Completions implements capture.FrameSource
func (m *ManualSource) Completions() <-chan capture.CompletionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completions
}

// Stop implements capture.FrameSource. It closes both channels.
func (m *ManualSource) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if !m.running {
		return nil
	}
	m.running = false
	close(m.images)
	close(m.completions)
	return nil
}

// EmitImage delivers an image to the engine
func (m *ManualSource) EmitImage(f *capture.ImageFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrSourceStopped
	}
	m.images <- f
	return nil
}

// EmitCompletion delivers a completion event to the engine
func (m *ManualSource) EmitCompletion(ev capture.CompletionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrSourceStopped
	}
	m.completions <- ev
	return nil
}

// Complete emits a completion for token at timestamp ts
func (m *ManualSource) Complete(token capture.RequestToken, ts int64) error {
	return m.EmitCompletion(capture.CompletionEvent{
		Token:     token,
		Timestamp: ts,
		Metadata:  capture.Metadata{Sensitivity: 100, Extra: map[string]any{"seq": token.Seq}},
	})
}

// Submitted returns the tokens submitted so far, in order
func (m *ManualSource) Submitted() []capture.RequestToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capture.RequestToken, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// SubmittedSettings returns the settings passed with each Submit
func (m *ManualSource) SubmittedSettings() []capture.RequestSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capture.RequestSettings, len(m.settings))
	copy(out, m.settings)
	return out
}

// NextSubmitted waits for the next submitted token
func (m *ManualSource) NextSubmitted(ctx context.Context) (capture.RequestToken, error) {
	select {
	case tok := <-m.submitCh:
		return tok, nil
	case <-ctx.Done():
		return capture.RequestToken{}, ctx.Err()
	}
}

// Running reports whether the source is between Start and Stop
func (m *ManualSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stops returns how many times Stop was called
func (m *ManualSource) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
