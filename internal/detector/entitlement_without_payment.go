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

// EntitlementWithoutPayment flags an entitlement that keeps granting access
// (billing_retry/grace_period) despite the payment side failing, or whose
// period has lapsed while still marked active.
type EntitlementWithoutPayment struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewEntitlementWithoutPayment(db *database.Database, logger *zap.Logger) *EntitlementWithoutPayment {
	return &EntitlementWithoutPayment{db: db, logger: logger, now: time.Now}
}

func (d *EntitlementWithoutPayment) ID() string          { return "entitlement_without_payment" }
func (d *EntitlementWithoutPayment) Name() string         { return "Entitlement without payment" }
func (d *EntitlementWithoutPayment) Description() string {
	return "An entitlement remains active despite a failed or absent payment."
}

func (d *EntitlementWithoutPayment) CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error) {
	if event.EventType != models.EventBillingRetry || event.Status != models.EventStatusFailed {
		return nil, nil
	}

	var state models.EntitlementState
	err := d.db.Pool.QueryRow(ctx, `
		SELECT state FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	`, orgID, userID, event.ProductID, event.Source).Scan(&state)
	if err != nil {
		return nil, nil
	}
	if state != models.StateBillingRetry && state != models.StateGracePeriod {
		return nil, nil
	}

	return []DetectedIssue{{
		IssueType:     d.ID(),
		Severity:      models.SeverityWarning,
		Title:         "Billing retry failed while entitlement still grants access",
		Description:   fmt.Sprintf("Product %s on %s failed a billing retry while entitlement state is %s.", event.ProductID, event.Source, state),
		UserID:        &userID,
		Confidence:    0.7,
		Evidence:      map[string]interface{}{"event_id": event.ID.String(), "entitlement_state": string(state)},
		DetectionTier: models.TierBillingOnly,
	}}, nil
}

func (d *EntitlementWithoutPayment) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT user_id, product_id, source, current_period_end
		FROM entitlements
		WHERE org_id = $1 AND state = 'active' AND current_period_end < $2
	`, orgID, d.now().Add(-2*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to scan lapsed entitlements: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		var source models.Source
		var periodEnd time.Time
		if err := rows.Scan(&userID, &productID, &source, &periodEnd); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		overdue := d.now().Sub(periodEnd)
		severity := models.SeverityWarning
		confidence := 0.7
		if overdue >= 24*time.Hour {
			severity = models.SeverityCritical
			confidence = 0.9
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      severity,
			Title:         "Entitlement active past its billing period",
			Description:   fmt.Sprintf("Product %s on %s is still active %.1f hours past its period end.", productID, source, overdue.Hours()),
			UserID:        &userID,
			Confidence:    confidence,
			Evidence:      map[string]interface{}{"overdue_hours": overdue.Hours()},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
