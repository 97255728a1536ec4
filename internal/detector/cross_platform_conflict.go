package detector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// CrossPlatformConflict flags a user holding an active entitlement for a
// product on one source while another source shows the same product
// inactive — a sign the providers have drifted out of sync.
type CrossPlatformConflict struct {
	db     *database.Database
	logger *zap.Logger
}

func NewCrossPlatformConflict(db *database.Database, logger *zap.Logger) *CrossPlatformConflict {
	return &CrossPlatformConflict{db: db, logger: logger}
}

func (d *CrossPlatformConflict) ID() string          { return "cross_platform_conflict" }
func (d *CrossPlatformConflict) Name() string         { return "Cross-platform conflict" }
func (d *CrossPlatformConflict) Description() string {
	return "A product shows an active entitlement on one billing source and an inactive one on another."
}

func (d *CrossPlatformConflict) CheckEvent(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) ([]DetectedIssue, error) {
	if event.ProductID == "" {
		return nil, nil
	}

	rows, err := d.db.Pool.Query(ctx, `
		SELECT source, state FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3
	`, orgID, userID, event.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements for conflict check: %w", err)
	}
	defer rows.Close()

	var activeSources, inactiveSources []models.Source
	for rows.Next() {
		var source models.Source
		var state models.EntitlementState
		if err := rows.Scan(&source, &state); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if state.IsActiveLike() {
			activeSources = append(activeSources, source)
		} else {
			inactiveSources = append(inactiveSources, source)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(activeSources) == 0 || len(inactiveSources) == 0 {
		return nil, nil
	}

	return []DetectedIssue{{
		IssueType:   d.ID(),
		Severity:    models.SeverityWarning,
		Title:       "Entitlement state differs across billing sources",
		Description: fmt.Sprintf("Product %s is active on %v but inactive on %v.", event.ProductID, activeSources, inactiveSources),
		UserID:      &userID,
		Confidence:  0.85,
		Evidence: map[string]interface{}{
			"active_sources":   sourceStrings(activeSources),
			"inactive_sources": sourceStrings(inactiveSources),
		},
		DetectionTier: models.TierBillingOnly,
	}}, nil
}

func sourceStrings(sources []models.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
