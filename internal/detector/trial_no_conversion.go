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

// TrialNoConversion flags trials whose trial period ended without a
// conversion event moving the entitlement to active.
type TrialNoConversion struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewTrialNoConversion(db *database.Database, logger *zap.Logger) *TrialNoConversion {
	return &TrialNoConversion{db: db, logger: logger, now: time.Now}
}

func (d *TrialNoConversion) ID() string          { return "trial_no_conversion" }
func (d *TrialNoConversion) Name() string         { return "Trial without conversion" }
func (d *TrialNoConversion) Description() string {
	return "A trial's trialEnd passed without the entitlement converting to active."
}

func (d *TrialNoConversion) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT user_id, product_id, source, trial_end
		FROM entitlements
		WHERE org_id = $1 AND state = 'trial' AND trial_end < $2
	`, orgID, d.now().Add(-2*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired trials: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		var source models.Source
		var trialEnd time.Time
		if err := rows.Scan(&userID, &productID, &source, &trialEnd); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      models.SeverityWarning,
			Title:         "Trial did not convert",
			Description:   fmt.Sprintf("Product %s on %s has been past trialEnd since %s with no conversion.", productID, source, trialEnd.Format(time.RFC3339)),
			UserID:        &userID,
			Confidence:    0.75,
			Evidence:      map[string]interface{}{"trial_end": trialEnd},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
