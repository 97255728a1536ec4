package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// PaymentWithoutEntitlement flags a successful purchase or renewal whose
// entitlement, after reduction, is still in an inactive state — a payment
// landed but access never followed.
type PaymentWithoutEntitlement struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewPaymentWithoutEntitlement(db *database.Database, logger *zap.Logger) *PaymentWithoutEntitlement {
	return &PaymentWithoutEntitlement{db: db, logger: logger, now: time.Now}
}

func (d *PaymentWithoutEntitlement) ID() string          { return "payment_without_entitlement" }
func (d *PaymentWithoutEntitlement) Name() string         { return "Payment without entitlement" }
func (d *PaymentWithoutEntitlement) Description() string {
	return "A payment succeeded but the corresponding entitlement is still inactive."
}

func (d *PaymentWithoutEntitlement) CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error) {
	if event.Status != models.EventStatusSuccess {
		return nil, nil
	}
	if event.EventType != models.EventPurchase && event.EventType != models.EventRenewal {
		return nil, nil
	}

	var state models.EntitlementState
	err := d.db.Pool.QueryRow(ctx, `
		SELECT state FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	`, orgID, userID, event.ProductID, event.Source).Scan(&state)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement state: %w", err)
	}
	if state.IsActiveLike() {
		return nil, nil
	}

	return []DetectedIssue{{
		IssueType:             d.ID(),
		Severity:              models.SeverityCritical,
		Title:                 "Payment succeeded but entitlement is inactive",
		Description:           fmt.Sprintf("A %s event succeeded for product %s but the entitlement state is %s.", event.EventType, event.ProductID, state),
		UserID:                &userID,
		EstimatedRevenueCents: event.AmountCents,
		Confidence:            0.95,
		Evidence: map[string]interface{}{
			"event_id":        event.ID.String(),
			"entitlement_state": string(state),
		},
		DetectionTier: models.TierBillingOnly,
	}}, nil
}

func (d *PaymentWithoutEntitlement) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT ce.id, ce.user_id, ce.product_id, ce.source, ce.amount_cents, e.state
		FROM canonical_events ce
		JOIN entitlements e ON e.org_id = ce.org_id AND e.user_id = ce.user_id
			AND e.product_id = ce.product_id AND e.source = ce.source
		WHERE ce.org_id = $1
			AND ce.event_type IN ('purchase', 'renewal')
			AND ce.status = 'success'
			AND ce.event_time > $2
	`, orgID, d.now().Add(-30*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to scan recent payments: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var eventID, userID uuid.UUID
		var productID string
		var source models.Source
		var amountCents int64
		var state models.EntitlementState
		if err := rows.Scan(&eventID, &userID, &productID, &source, &amountCents, &state); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if state.IsActiveLike() {
			continue
		}
		issues = append(issues, DetectedIssue{
			IssueType:             d.ID(),
			Severity:              models.SeverityCritical,
			Title:                 "Payment succeeded but entitlement is inactive",
			Description:           fmt.Sprintf("Product %s on %s has a successful payment but entitlement state %s.", productID, source, state),
			UserID:                &userID,
			EstimatedRevenueCents: amountCents,
			Confidence:            0.95,
			Evidence:              map[string]interface{}{"event_id": eventID.String(), "entitlement_state": string(state)},
			DetectionTier:         models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
