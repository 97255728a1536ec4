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

// SilentRenewalFailure flags active entitlements whose period has ended
// without any follow-up event (renewal, expiration, cancellation, or
// billing_retry) having arrived — a provider that should have sent
// something but went quiet.
type SilentRenewalFailure struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewSilentRenewalFailure(db *database.Database, logger *zap.Logger) *SilentRenewalFailure {
	return &SilentRenewalFailure{db: db, logger: logger, now: time.Now}
}

func (d *SilentRenewalFailure) ID() string          { return "silent_renewal_failure" }
func (d *SilentRenewalFailure) Name() string         { return "Silent renewal failure" }
func (d *SilentRenewalFailure) Description() string {
	return "An active entitlement's period ended with no renewal, expiration, cancellation, or retry event."
}

func (d *SilentRenewalFailure) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	now := d.now()
	rows, err := d.db.Pool.Query(ctx, `
		SELECT user_id, product_id, source, current_period_end
		FROM entitlements
		WHERE org_id = $1 AND state = 'active'
			AND current_period_end BETWEEN $2 AND $3
	`, orgID, now.Add(-24*time.Hour), now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to scan entitlements near period end: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		userID    uuid.UUID
		productID string
		source    models.Source
		periodEnd time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.userID, &c.productID, &c.source, &c.periodEnd); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var issues []DetectedIssue
	for _, c := range candidates {
		var count int
		err := d.db.Pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM canonical_events
			WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
				AND event_type IN ('renewal', 'expiration', 'cancellation', 'billing_retry')
				AND event_time > $5
		`, orgID, c.userID, c.productID, c.source, c.periodEnd).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count follow-up events: %w", err)
		}
		if count > 0 {
			continue
		}

		hours := now.Sub(c.periodEnd).Hours()
		severity := models.SeverityWarning
		if hours >= 6 {
			severity = models.SeverityCritical
		}
		confidence := 0.5 + 0.05*hours
		if confidence > 0.95 {
			confidence = 0.95
		}
		if confidence < 0 {
			confidence = 0
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      severity,
			Title:         "No renewal event after period end",
			Description:   fmt.Sprintf("Product %s on %s passed its period end %.1f hours ago with no follow-up event.", c.productID, c.source, hours),
			UserID:        &c.userID,
			Confidence:    confidence,
			Evidence:      map[string]interface{}{"hours_since_period_end": hours},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, nil
}
