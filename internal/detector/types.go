// Package detector holds the billing-anomaly detectors: the event-triggered
// and scheduled checks that turn canonical events and entitlement state into
// Issue rows for operators to act on.
package detector

import (
	"context"

	"github.com/google/uuid"

	"github.com/revback/core/internal/models"
)

// DetectedIssue is the shape a detector emits before the detection engine
// assigns it an id and persists it.
type DetectedIssue struct {
	IssueType             string
	Severity              models.IssueSeverity
	Title                 string
	Description           string
	UserID                *uuid.UUID
	EstimatedRevenueCents int64
	Confidence            float64
	Evidence              map[string]interface{}
	DetectionTier         models.DetectionTier
}

// Detector identifies itself; most detectors also implement EventChecker,
// ScheduledScanner, or both.
type Detector interface {
	ID() string
	Name() string
	Description() string
}

// EventChecker is implemented by detectors that run inline on the ingestion
// path, evaluating a single freshly-reduced canonical event.
type EventChecker interface {
	CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error)
}

// ScheduledScanner is implemented by detectors that run aggregate or
// time-based checks on a cron cadence.
type ScheduledScanner interface {
	ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error)
}
