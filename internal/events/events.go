// Package events distributes pipeline progress (job state changes, detections
// and run summaries) to interested subscribers such as the CLI.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Job events
	EventJobState  EventType = "job:state"
	EventJobFailed EventType = "job:failed"

	// Labeling events
	EventFileLabelled EventType = "label:file"

	// Classification events
	EventDetection EventType = "classify:detection"
	EventSummary   EventType = "classify:summary"

	// System events
	EventSystemError   EventType = "system:error"
	EventSystemWarning EventType = "system:warning"
)

// Event represents one emitted occurrence.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // Nanosecond precision
	Data      any       `json:"data"`
}

// EventHandler is a function that handles events.
type EventHandler func(event *Event)

// JobState is the payload of EventJobState and EventJobFailed.
type JobState struct {
	JobID   string `json:"job_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

// Detection is the payload of EventDetection.
type Detection struct {
	Row     int           `json:"row"`
	Label   string        `json:"label"`
	Latency time.Duration `json:"latency_ns"`
}

// FileLabelled is the payload of EventFileLabelled.
type FileLabelled struct {
	File  string `json:"file"`
	Rows  int    `json:"rows"`
	Error string `json:"error,omitempty"`
}

// EventBus manages event distribution and batching. A nil *EventBus is valid
// and drops every event.
type EventBus struct {
	handlers      map[EventType][]EventHandler
	globalHandler EventHandler
	mu            sync.RWMutex

	// Batching configuration
	batchInterval time.Duration
	batchSize     int
	batchEnabled  bool

	// Batch state
	batchMu      sync.Mutex
	currentBatch []*Event
	batchTimer   *time.Timer

	// Statistics
	eventsEmitted atomic.Uint64
	eventsBatched atomic.Uint64
	batchesSent   atomic.Uint64
}

// EventBusConfig holds configuration for the event bus.
type EventBusConfig struct {
	// BatchInterval is the maximum time to wait before sending a batch.
	// Default: 100ms
	BatchInterval time.Duration

	// BatchSize is the maximum number of events per batch.
	// Default: 100
	BatchSize int

	// EnableBatching enables event batching.
	EnableBatching bool
}

// DefaultEventBusConfig returns the default configuration: batching off, so
// events reach handlers in emission order on the emitting goroutine.
func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{
		BatchInterval: 100 * time.Millisecond,
		BatchSize:     100,
	}
}

// NewEventBus creates a new event bus.
func NewEventBus(cfg *EventBusConfig) *EventBus {
	if cfg == nil {
		cfg = DefaultEventBusConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &EventBus{
		handlers:      make(map[EventType][]EventHandler),
		batchInterval: cfg.BatchInterval,
		batchSize:     cfg.BatchSize,
		batchEnabled:  cfg.EnableBatching,
		currentBatch:  make([]*Event, 0, cfg.BatchSize),
	}
}

// SetGlobalHandler sets a handler that receives all events.
func (eb *EventBus) SetGlobalHandler(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.globalHandler = handler
}

// Subscribe adds a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Unsubscribe removes all handlers for a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.handlers, eventType)
}

// Emit emits an event to all registered handlers.
func (eb *EventBus) Emit(eventType EventType, data any) {
	if eb == nil {
		return
	}
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}

	if eb.batchEnabled {
		eb.addToBatch(event)
	} else {
		eb.dispatchEvent(event)
	}
}

// EmitImmediate emits an event immediately, bypassing batching.
func (eb *EventBus) EmitImmediate(eventType EventType, data any) {
	if eb == nil {
		return
	}
	eb.dispatchEvent(&Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	})
}

func (eb *EventBus) addToBatch(event *Event) {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()

	eb.currentBatch = append(eb.currentBatch, event)
	eb.eventsBatched.Add(1)

	if len(eb.currentBatch) == 1 {
		eb.batchTimer = time.AfterFunc(eb.batchInterval, eb.flushBatch)
	}

	if len(eb.currentBatch) >= eb.batchSize {
		eb.flushBatchLocked()
	}
}

func (eb *EventBus) flushBatch() {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()
	eb.flushBatchLocked()
}

// flushBatchLocked must be called with batchMu held.
func (eb *EventBus) flushBatchLocked() {
	if len(eb.currentBatch) == 0 {
		return
	}

	if eb.batchTimer != nil {
		eb.batchTimer.Stop()
		eb.batchTimer = nil
	}

	for _, event := range eb.currentBatch {
		eb.dispatchEvent(event)
	}

	eb.batchesSent.Add(1)
	eb.currentBatch = eb.currentBatch[:0]
}

func (eb *EventBus) dispatchEvent(event *Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	eb.eventsEmitted.Add(1)

	if eb.globalHandler != nil {
		eb.globalHandler(event)
	}
	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
}

// Flush forces a flush of any pending batched events.
func (eb *EventBus) Flush() {
	if eb == nil {
		return
	}
	eb.flushBatch()
}

// Stats returns event bus statistics.
func (eb *EventBus) Stats() (emitted, batched, batches uint64) {
	return eb.eventsEmitted.Load(), eb.eventsBatched.Load(), eb.batchesSent.Load()
}

// EmitJobState emits a job transition; a transition into "failed" is also
// emitted as EventJobFailed.
func (eb *EventBus) EmitJobState(state JobState) {
	eb.Emit(EventJobState, state)
	if state.To == "failed" {
		eb.EmitImmediate(EventJobFailed, state)
	}
}

// EmitDetection emits an attack prediction for one row.
func (eb *EventBus) EmitDetection(d Detection) {
	eb.Emit(EventDetection, d)
}

// EmitError emits a system error event.
func (eb *EventBus) EmitError(err error, context string) {
	eb.EmitImmediate(EventSystemError, map[string]any{
		"error":   err.Error(),
		"context": context,
	})
}

// EmitWarning emits a system warning event.
func (eb *EventBus) EmitWarning(message, context string) {
	eb.Emit(EventSystemWarning, map[string]any{
		"message": message,
		"context": context,
	})
}

// JSON returns the JSON representation of an event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
