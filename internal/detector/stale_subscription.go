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

// StaleSubscription flags entitlements that still look active-like but have
// had no event activity in a long time and whose billing period has lapsed.
type StaleSubscription struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewStaleSubscription(db *database.Database, logger *zap.Logger) *StaleSubscription {
	return &StaleSubscription{db: db, logger: logger, now: time.Now}
}

func (d *StaleSubscription) ID() string          { return "stale_subscription" }
func (d *StaleSubscription) Name() string         { return "Stale subscription" }
func (d *StaleSubscription) Description() string {
	return "An entitlement has had no event activity in over 35 days and its billing period has lapsed."
}

func (d *StaleSubscription) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	now := d.now()
	rows, err := d.db.Pool.Query(ctx, `
		SELECT user_id, product_id, source, last_event_time, current_period_end
		FROM entitlements
		WHERE org_id = $1
			AND state IN ('active', 'trial', 'grace_period', 'billing_retry')
			AND last_event_time < $2
			AND current_period_end < $3
	`, orgID, now.Add(-35*24*time.Hour), now.Add(-2*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale entitlements: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		var source models.Source
		var lastEventTime time.Time
		var periodEnd time.Time
		if err := rows.Scan(&userID, &productID, &source, &lastEventTime, &periodEnd); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		daysSinceEvent := now.Sub(lastEventTime).Hours() / 24
		severity := models.SeverityWarning
		confidence := 0.6
		if daysSinceEvent >= 60 {
			severity = models.SeverityCritical
			confidence = 0.9
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      severity,
			Title:         "Subscription has gone stale",
			Description:   fmt.Sprintf("Product %s on %s has had no events for %.0f days and its period lapsed on %s.", productID, source, daysSinceEvent, periodEnd.Format(time.RFC3339)),
			UserID:        &userID,
			Confidence:    confidence,
			Evidence:      map[string]interface{}{"days_since_last_event": daysSinceEvent},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
