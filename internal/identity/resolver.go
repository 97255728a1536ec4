// Package identity maps the identity hints a normalizer extracts from a
// webhook payload to a single, stable user within an organization.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// pgUniqueViolation is the SQLSTATE Postgres returns for a unique constraint
// violation, matched against pgconn.PgError.Code by callers that need to
// treat a racing insert as a no-op rather than a failure.
const pgUniqueViolation = "23505"

// Resolver resolves a bag of identity hints to a user, creating or linking
// users as needed.
type Resolver struct {
	db     *database.Database
	logger *zap.Logger
}

// NewResolver constructs an identity resolver.
func NewResolver(db *database.Database, logger *zap.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// Resolve maps hints to a single user id: probe every hint, return the
// sole match; on a split-brain match across
// providers pick the oldest user and flag a merge candidate; on no match,
// create a user. Every hint is linked (idempotently) to the resolved user.
func (r *Resolver) Resolve(ctx context.Context, orgID uuid.UUID, hints []models.IdentityHint) (uuid.UUID, error) {
	if len(hints) == 0 {
		return uuid.Nil, fmt.Errorf("identity resolution requires at least one hint")
	}

	matches, err := r.probeHints(ctx, orgID, hints)
	if err != nil {
		return uuid.Nil, err
	}

	distinct := distinctUserIDs(matches)

	var userID uuid.UUID
	switch len(distinct) {
	case 0:
		userID, err = r.createUser(ctx, orgID, hints)
		if err != nil {
			return uuid.Nil, err
		}
	case 1:
		userID = distinct[0]
	default:
		userID, err = r.oldestUser(ctx, orgID, distinct)
		if err != nil {
			return uuid.Nil, err
		}
		r.recordMergeCandidate(ctx, orgID, userID, distinct)
	}

	for _, hint := range hints {
		if _, alreadyLinked := matches[hint]; alreadyLinked {
			continue
		}
		if err := r.linkHint(ctx, orgID, userID, hint); err != nil {
			return uuid.Nil, fmt.Errorf("failed to link identity hint: %w", err)
		}
	}

	return userID, nil
}

// probeHints looks up each hint's existing UserIdentity row, if any.
func (r *Resolver) probeHints(ctx context.Context, orgID uuid.UUID, hints []models.IdentityHint) (map[models.IdentityHint]uuid.UUID, error) {
	matches := make(map[models.IdentityHint]uuid.UUID)

	for _, hint := range hints {
		var userID uuid.UUID
		err := r.db.Pool.QueryRow(ctx, `
			SELECT user_id FROM user_identities
			WHERE org_id = $1 AND source = $2 AND id_type = $3 AND external_id = $4
		`, orgID, hint.Source, hint.IDType, hint.ExternalID).Scan(&userID)

		switch {
		case err == nil:
			matches[hint] = userID
		case err == pgx.ErrNoRows:
			// no existing identity for this hint, nothing to record
		default:
			return nil, fmt.Errorf("failed to probe identity hint: %w", err)
		}
	}

	return matches, nil
}

func distinctUserIDs(matches map[models.IdentityHint]uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, id := range matches {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// createUser inserts a new user, preferring email/app_user_id hints to seed
// its profile fields.
func (r *Resolver) createUser(ctx context.Context, orgID uuid.UUID, hints []models.IdentityHint) (uuid.UUID, error) {
	var email, externalUserID string
	for _, h := range hints {
		switch h.IDType {
		case models.IdentityEmail:
			if email == "" {
				email = h.ExternalID
			}
		case models.IdentityAppUserID:
			if externalUserID == "" {
				externalUserID = h.ExternalID
			}
		}
	}

	var userID uuid.UUID
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO users (org_id, external_user_id, email)
		VALUES ($1, $2, $3)
		RETURNING id
	`, orgID, externalUserID, email).Scan(&userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Info("created user from identity hints",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", userID.String()),
	)

	return userID, nil
}

// oldestUser returns the earliest-created user among candidates.
func (r *Resolver) oldestUser(ctx context.Context, orgID uuid.UUID, candidates []uuid.UUID) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id FROM users
		WHERE org_id = $1 AND id = ANY($2)
		ORDER BY created_at ASC
		LIMIT 1
	`, orgID, candidates).Scan(&userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve oldest user among split-brain candidates: %w", err)
	}
	return userID, nil
}

// linkHint inserts a (orgId, source, idType, externalId) -> userId linkage.
// A unique constraint race from a concurrent webhook resolving the same
// hint is treated as a no-op rather than an error.
func (r *Resolver) linkHint(ctx context.Context, orgID, userID uuid.UUID, hint models.IdentityHint) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO user_identities (org_id, user_id, source, id_type, external_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, source, id_type, external_id) DO NOTHING
	`, orgID, userID, hint.Source, hint.IDType, hint.ExternalID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

// recordMergeCandidate flags a split-brain identity match for operator
// review. Failure to record the flag never aborts resolution itself; the
// oldest-wins pick has already been made.
func (r *Resolver) recordMergeCandidate(ctx context.Context, orgID, chosenUserID uuid.UUID, candidates []uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	evidence := map[string]interface{}{
		"chosen_user_id":   chosenUserID.String(),
		"candidate_user_ids": candidateStrings(candidates),
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO issues (org_id, user_id, issue_type, severity, status, title, description, confidence, detector_id, detection_tier, evidence)
		VALUES ($1, $2, 'merge_candidate', 'info', 'open', $3, $4, 1.0, 'identity_resolver', 'billing_only', $5)
		ON CONFLICT DO NOTHING
	`, orgID, chosenUserID,
		"Possible duplicate user identity",
		"Identity hints matched more than one existing user; the oldest was kept and linked.",
		evidence,
	)
	if err != nil {
		r.logger.Warn("failed to record merge candidate issue",
			zap.Error(err),
			zap.String("org_id", orgID.String()),
			zap.String("chosen_user_id", chosenUserID.String()),
		)
	}
}

func candidateStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
