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

// DataFreshness flags a billing source whose active entitlement data is
// going stale in aggregate — a sign of a systemic sync problem rather than
// one user's subscription.
type DataFreshness struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewDataFreshness(db *database.Database, logger *zap.Logger) *DataFreshness {
	return &DataFreshness{db: db, logger: logger, now: time.Now}
}

func (d *DataFreshness) ID() string          { return "data_freshness" }
func (d *DataFreshness) Name() string         { return "Data freshness" }
func (d *DataFreshness) Description() string {
	return "A significant fraction of a source's active entitlements have not been updated recently."
}

func (d *DataFreshness) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT source,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE updated_at < $2) AS stale
		FROM entitlements
		WHERE org_id = $1 AND state IN ('active', 'trial', 'grace_period', 'billing_retry')
		GROUP BY source
	`, orgID, d.now().Add(-35*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate entitlement freshness: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var source models.Source
		var total, stale int
		if err := rows.Scan(&source, &total, &stale); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if total < 10 {
			continue
		}

		ratio := float64(stale) / float64(total)
		if ratio < 0.10 {
			continue
		}

		severity := models.SeverityWarning
		confidence := 0.6
		if ratio >= 0.25 {
			severity = models.SeverityCritical
			confidence = 0.9
		}

		issues = append(issues, DetectedIssue{
			IssueType:   d.ID(),
			Severity:    severity,
			Title:       fmt.Sprintf("%s entitlement data is going stale", source),
			Description: fmt.Sprintf("%d of %d active entitlements on %s have not updated in 35+ days (%.0f%%).", stale, total, source, ratio*100),
			Confidence:  confidence,
			Evidence: map[string]interface{}{
				"source": string(source),
				"total":  total,
				"stale":  stale,
				"ratio":  ratio,
			},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
