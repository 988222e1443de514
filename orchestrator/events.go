package orchestrator

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart      EventKind = "session_start"
	EventSessionEnd        EventKind = "session_end"
	EventStateChange       EventKind = "state_change"
	EventDecision          EventKind = "decision"
	EventCapabilityStart   EventKind = "capability_start"
	EventCapabilityEnd     EventKind = "capability_end"
	EventMalformedResponse EventKind = "malformed_response"
	EventSteeringInjected  EventKind = "steering_injected"
	EventLoopDetection     EventKind = "loop_detection"
	EventTurnLimit         EventKind = "turn_limit"
	EventError             EventKind = "error"
)

// Event is a typed progress notification from a running session.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Turn      int            `json:"turn"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host over a buffered channel. A full
// channel drops events rather than stalling the loop.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	dropped   int
	mu        sync.Mutex
}

// DefaultEventBuffer is the channel capacity used when none is configured.
const DefaultEventBuffer = 128

// NewEventEmitter creates an emitter for sessionID.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. It never blocks.
func (e *EventEmitter) Emit(kind EventKind, turn int, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Turn: turn, Data: data}:
	default:
		e.dropped++
	}
}

// Dropped returns how many events were discarded because the channel was full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the read-only event channel. It is closed when the session ends.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the channel. Safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
