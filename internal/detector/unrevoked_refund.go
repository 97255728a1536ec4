package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// gracePeriod is how long RevBack waits after a refund/chargeback before
// treating a still-active entitlement as suspicious, giving normal
// reconciliation (e.g. a scheduled access revocation job) time to catch up.
const gracePeriod = time.Hour

// UnrevokedRefund flags a refund or chargeback whose user still holds an
// active-like entitlement for the same product, past the grace window.
// Refunds and chargebacks share this single detector id (see DESIGN.md):
// they differ only in resulting severity, not in predicate.
type UnrevokedRefund struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewUnrevokedRefund(db *database.Database, logger *zap.Logger) *UnrevokedRefund {
	return &UnrevokedRefund{db: db, logger: logger, now: time.Now}
}

func (d *UnrevokedRefund) ID() string          { return "unrevoked_refund" }
func (d *UnrevokedRefund) Name() string         { return "Unrevoked refund" }
func (d *UnrevokedRefund) Description() string {
	return "A refund or chargeback occurred but the user still has an active entitlement for the product."
}

func (d *UnrevokedRefund) CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error) {
	if event.EventType != models.EventRefund && event.EventType != models.EventChargeback {
		return nil, nil
	}
	if d.now().Sub(event.EventTime) < gracePeriod {
		// Still inside the grace window: give normal reconciliation time to
		// revoke access before flagging. The scheduled scan re-sweeps
		// anything the grace window skipped here.
		return nil, nil
	}

	stillActive, err := d.anyActiveEntitlement(ctx, orgID, userID, event.ProductID)
	if err != nil {
		return nil, err
	}
	if !stillActive {
		return nil, nil
	}

	return []DetectedIssue{d.issue(event.EventType, userID, event.ProductID, event.ID.String())}, nil
}

func (d *UnrevokedRefund) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT id, user_id, product_id, event_type
		FROM canonical_events
		WHERE org_id = $1
			AND event_type IN ('refund', 'chargeback')
			AND event_time BETWEEN $2 AND $3
	`, orgID, d.now().Add(-30*24*time.Hour), d.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to scan refunds and chargebacks: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		eventID   uuid.UUID
		userID    uuid.UUID
		productID string
		eventType models.EventType
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.eventID, &c.userID, &c.productID, &c.eventType); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var issues []DetectedIssue
	for _, c := range candidates {
		stillActive, err := d.anyActiveEntitlement(ctx, orgID, c.userID, c.productID)
		if err != nil {
			return nil, err
		}
		if !stillActive {
			continue
		}
		issues = append(issues, d.issue(c.eventType, c.userID, c.productID, c.eventID.String()))
	}
	return issues, nil
}

func (d *UnrevokedRefund) anyActiveEntitlement(ctx context.Context, orgID, userID uuid.UUID, productID string) (bool, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT state FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3
	`, orgID, userID, productID)
	if err != nil {
		return false, fmt.Errorf("failed to load entitlements for refund check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state models.EntitlementState
		if err := rows.Scan(&state); err != nil {
			return false, err
		}
		if state.IsActiveLike() {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (d *UnrevokedRefund) issue(eventType models.EventType, userID uuid.UUID, productID, eventID string) DetectedIssue {
	severity := models.SeverityWarning
	if eventType == models.EventChargeback {
		severity = models.SeverityCritical
	}
	return DetectedIssue{
		IssueType:     d.ID(),
		Severity:      severity,
		Title:         fmt.Sprintf("Unrevoked access after %s", eventType),
		Description:   fmt.Sprintf("Product %s has a %s on record but the user still holds an active entitlement.", productID, eventType),
		UserID:        &userID,
		Confidence:    0.85,
		Evidence:      map[string]interface{}{"event_id": eventID, "event_type": string(eventType)},
		DetectionTier: models.TierBillingOnly,
	}
}
