package detector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// DuplicateBilling flags a user being actively billed for the same product
// on two or more distinct sources at once.
type DuplicateBilling struct {
	db     *database.Database
	logger *zap.Logger
}

func NewDuplicateBilling(db *database.Database, logger *zap.Logger) *DuplicateBilling {
	return &DuplicateBilling{db: db, logger: logger}
}

func (d *DuplicateBilling) ID() string          { return "duplicate_billing" }
func (d *DuplicateBilling) Name() string         { return "Duplicate billing" }
func (d *DuplicateBilling) Description() string {
	return "A user holds active entitlements for the same product on two or more billing sources."
}

func (d *DuplicateBilling) CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error) {
	if event.ProductID == "" {
		return nil, nil
	}

	rows, err := d.db.Pool.Query(ctx, `
		SELECT source FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND state IN ('active', 'trial', 'grace_period', 'billing_retry')
	`, orgID, userID, event.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active entitlements for duplicate check: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		var source models.Source
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	distinct := make(map[models.Source]bool)
	for _, s := range sources {
		distinct[s] = true
	}
	if len(distinct) < 2 {
		return nil, nil
	}

	return []DetectedIssue{{
		IssueType:     d.ID(),
		Severity:      models.SeverityCritical,
		Title:         "User billed for the same product on multiple sources",
		Description:   fmt.Sprintf("Product %s has active entitlements on %d distinct sources.", event.ProductID, len(distinct)),
		UserID:        &userID,
		Confidence:    0.9,
		Evidence:      map[string]interface{}{"sources": sourceStrings(sources)},
		DetectionTier: models.TierBillingOnly,
	}}, nil
}
