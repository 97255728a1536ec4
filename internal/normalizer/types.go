// Package normalizer holds the process-wide provider registry (C1): one
// implementation per billing source, each responsible for verifying an
// inbound payload's signature and turning it into canonical events.
package normalizer

import (
	"net/http"
	"time"

	"github.com/revback/core/internal/models"
)

// NormalizedEvent is a candidate CanonicalEvent plus the identity hints that
// should be resolved to a user before it is persisted. One raw webhook can
// normalize to zero, one, or many of these.
type NormalizedEvent struct {
	ExternalEventID string
	EventType       models.EventType
	Status          models.EventStatus
	AmountCents     int64
	Currency        string
	ProductID       string
	EventTime       time.Time
	IdentityHints   []models.IdentityHint
}

// Normalizer is the contract every billing provider implements. Adding a
// provider is a matter of a new implementation registered in Registry;
// nothing else in the ingestion pipeline changes.
type Normalizer interface {
	// Source identifies which provider this normalizer handles.
	Source() models.Source

	// VerifySignature checks the inbound payload against secret using the
	// provider's scheme. It fails closed: any error or mismatch returns false.
	VerifySignature(raw []byte, headers http.Header, secret string) bool

	// Normalize turns an already-verified raw payload into zero or more
	// canonical events. Unrecognized event types are omitted, not errored.
	Normalize(raw []byte) ([]NormalizedEvent, error)

	// ExtractIdentityHints emits every identifier a user could be found by.
	// The implementations here collect the hints of the events Normalize
	// produces, so a payload with no recognized event type yields no hints.
	ExtractIdentityHints(raw []byte) ([]models.IdentityHint, error)
}
