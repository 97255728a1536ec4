package detector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// hasAccessCheckData reports whether the org has reported any in-app access
// checks at all; both Tier-2 detectors short-circuit without it.
func hasAccessCheckData(ctx context.Context, db *database.Database, orgID uuid.UUID) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM access_checks WHERE org_id = $1)`, orgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for access-check data: %w", err)
	}
	return exists, nil
}

// userProductKey is a composite map key for joining access-check results
// against entitlements in memory.
type userProductKey struct {
	userID    uuid.UUID
	productID string
}

// latestAccessByUserProduct returns each (userId, productId)'s most recently
// reported hasAccess value.
func latestAccessByUserProduct(ctx context.Context, db *database.Database, orgID uuid.UUID) (map[userProductKey]bool, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (user_id, product_id) user_id, product_id, has_access
		FROM access_checks
		WHERE org_id = $1
		ORDER BY user_id, product_id, reported_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest access checks: %w", err)
	}
	defer rows.Close()

	out := make(map[userProductKey]bool)
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		var hasAccess bool
		if err := rows.Scan(&userID, &productID, &hasAccess); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[userProductKey{userID, productID}] = hasAccess
	}
	return out, rows.Err()
}

// VerifiedPaidNoAccess flags users who have paid (active-like entitlement)
// but whose app reports no access.
type VerifiedPaidNoAccess struct {
	db     *database.Database
	logger *zap.Logger
}

func NewVerifiedPaidNoAccess(db *database.Database, logger *zap.Logger) *VerifiedPaidNoAccess {
	return &VerifiedPaidNoAccess{db: db, logger: logger}
}

func (d *VerifiedPaidNoAccess) ID() string          { return "verified_paid_no_access" }
func (d *VerifiedPaidNoAccess) Name() string         { return "Verified paid, no access" }
func (d *VerifiedPaidNoAccess) Description() string {
	return "A user has an active paid entitlement but the app reports they have no access."
}

func (d *VerifiedPaidNoAccess) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	ok, err := hasAccessCheckData(ctx, d.db, orgID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	access, err := latestAccessByUserProduct(ctx, d.db, orgID)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.Pool.Query(ctx, `
		SELECT user_id, product_id FROM entitlements
		WHERE org_id = $1 AND state IN ('active', 'trial', 'grace_period')
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active entitlements: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		if err := rows.Scan(&userID, &productID); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		hasAccess, reported := access[userProductKey{userID, productID}]
		if !reported || hasAccess {
			continue
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      models.SeverityCritical,
			Title:         "Paid user reports no app access",
			Description:   fmt.Sprintf("User has an active entitlement for %s but the app last reported no access.", productID),
			UserID:        &userID,
			Confidence:    0.8,
			Evidence:      map[string]interface{}{"product_id": productID},
			DetectionTier: models.TierAppVerified,
		})
	}
	return issues, rows.Err()
}

// VerifiedAccessNoPayment flags users whose app reports access but who have
// no active-like entitlement backing it.
type VerifiedAccessNoPayment struct {
	db     *database.Database
	logger *zap.Logger
}

func NewVerifiedAccessNoPayment(db *database.Database, logger *zap.Logger) *VerifiedAccessNoPayment {
	return &VerifiedAccessNoPayment{db: db, logger: logger}
}

func (d *VerifiedAccessNoPayment) ID() string          { return "verified_access_no_payment" }
func (d *VerifiedAccessNoPayment) Name() string         { return "Verified access, no payment" }
func (d *VerifiedAccessNoPayment) Description() string {
	return "The app reports a user has access but no active entitlement backs it."
}

func (d *VerifiedAccessNoPayment) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	ok, err := hasAccessCheckData(ctx, d.db, orgID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rows, err := d.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (user_id, product_id) user_id, product_id, has_access
		FROM access_checks
		WHERE org_id = $1
		ORDER BY user_id, product_id, reported_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest access checks: %w", err)
	}
	defer rows.Close()

	var issues []DetectedIssue
	for rows.Next() {
		var userID uuid.UUID
		var productID string
		var hasAccess bool
		if err := rows.Scan(&userID, &productID, &hasAccess); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if !hasAccess {
			continue
		}

		var state models.EntitlementState
		err := d.db.Pool.QueryRow(ctx, `
			SELECT state FROM entitlements WHERE org_id = $1 AND user_id = $2 AND product_id = $3
		`, orgID, userID, productID).Scan(&state)
		if err == nil && state.IsActiveLike() {
			continue
		}

		issues = append(issues, DetectedIssue{
			IssueType:     d.ID(),
			Severity:      models.SeverityCritical,
			Title:         "App reports access with no backing payment",
			Description:   fmt.Sprintf("The app reports access to %s but no active entitlement was found.", productID),
			UserID:        &userID,
			Confidence:    0.85,
			Evidence:      map[string]interface{}{"product_id": productID},
			DetectionTier: models.TierAppVerified,
		})
	}
	return issues, rows.Err()
}
