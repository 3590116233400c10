// Package mocks provides mock implementations for testing pipeline components
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// =============================================================================
// Mock Predictor
// =============================================================================

// MockPredictor returns scripted labels by call index. Calls beyond the
// script return Default.
type MockPredictor struct {
	mu      sync.Mutex
	labels  map[int]models.Label
	errs    map[int]error
	calls   int
	vectors [][]float64
	closed  bool

	// Default is returned for unscripted calls.
	Default models.Label
	// Latency is reported for every successful call.
	Latency time.Duration
	// Delay blocks each call until it elapses or ctx is done.
	Delay time.Duration
}

// NewMockPredictor creates a predictor that answers normal with a 1ms latency.
func NewMockPredictor() *MockPredictor {
	return &MockPredictor{
		labels:  make(map[int]models.Label),
		errs:    make(map[int]error),
		Latency: time.Millisecond,
	}
}

// On scripts the label returned by the call with zero-based index call.
func (m *MockPredictor) On(call int, label models.Label) *MockPredictor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[call] = label
	return m
}

// FailOn scripts an error for the call with zero-based index call.
func (m *MockPredictor) FailOn(call int, err error) *MockPredictor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[call] = err
	return m
}

// Predict implements inference.Predictor.
func (m *MockPredictor) Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.vectors = append(m.vectors, append([]float64(nil), vec...))
	label, scripted := m.labels[call]
	err := m.errs[call]
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, 0, err
	}
	if !scripted {
		label = m.Default
	}
	return label, m.Latency, nil
}

// Close implements inference.Predictor.
func (m *MockPredictor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns the number of Predict calls made.
func (m *MockPredictor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Vectors returns copies of every vector passed to Predict.
func (m *MockPredictor) Vectors() [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float64(nil), m.vectors...)
}

// Closed reports whether Close was called.
func (m *MockPredictor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// =============================================================================
// Event Recorder
// =============================================================================

// EventRecorder captures every event emitted on a bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

// NewEventRecorder attaches a recorder as bus's global handler.
func NewEventRecorder(bus *events.EventBus) *EventRecorder {
	r := &EventRecorder{}
	bus.SetGlobalHandler(func(e *events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

// Events returns all recorded events.
func (r *EventRecorder) Events() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

// ByType returns recorded events of one type.
func (r *EventRecorder) ByType(t events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all recorded events.
func (r *EventRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
