package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published on the internal bus.
type EventType string

const (
	// Issue lifecycle events, consumed by the alert dispatcher (C9).
	// issue.created is published by the detection engine (C5); the status
	// changes are published by the gateway's issue endpoints.
	EventIssueCreated      EventType = "issue.created"
	EventIssueResolved     EventType = "issue.resolved"
	EventIssueDismissed    EventType = "issue.dismissed"
	EventIssueAcknowledged EventType = "issue.acknowledged"

	// Ingestion lifecycle events, useful for operator-facing tooling outside the core.
	EventWebhookReceived  EventType = "webhook.received"
	EventWebhookProcessed EventType = "webhook.processed"
	EventWebhookDLQ       EventType = "webhook.dlq"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency).
	ID string

	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// OrgID is the tenant this event belongs to.
	OrgID string

	// Payload contains event-specific data.
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, orgID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		OrgID:     orgID,
		Payload:   payload,
	}
}
