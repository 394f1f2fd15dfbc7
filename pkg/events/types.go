package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// Breaker events
	EventBreakerTripped EventType = "breaker.tripped"
	EventBreakerWarning EventType = "breaker.warning"
	EventBreakerReset   EventType = "breaker.reset"

	// Budget events
	EventBudgetWarning   EventType = "budget.warning"
	EventBudgetViolation EventType = "budget.violation"

	// Anomaly events
	EventAnomalyDetected EventType = "anomaly.detected"

	// Rollup events
	EventRollupCompleted EventType = "rollup.completed"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Scope is the tenant scope this event belongs to
	Scope string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, scope string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Payload:   payload,
	}
}
