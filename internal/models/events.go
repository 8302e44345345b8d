package models

import "time"

// Event type names carried on the event bus. complete and error are
// terminal for a subscriber's stream.
const (
	EventStarted        = "started"
	EventProgress       = "progress"
	EventComplete       = "complete"
	EventError          = "error"
	EventOutageDetected = "outage_detected"
	EventOutageResolved = "outage_resolved"
	EventBurst          = "smart_scheduler_burst"
	EventRecovery       = "smart_scheduler_recovery"
	EventNormal         = "smart_scheduler_normal"
	EventCircuitBreaker = "smart_scheduler_circuit_breaker"
)

// Event is a transient state-change notification
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Terminal reports whether the event ends a subscriber's stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{Type: eventType, Payload: payload, EmittedAt: time.Now()}
}
