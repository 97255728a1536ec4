// Package entitlement maintains the subscription state RevBack believes each
// user holds, reduced from the stream of canonical billing events.
package entitlement

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

// defaultPeriodLength is used to derive currentPeriodEnd when a canonical
// event carries no explicit billing period (none of the providers in scope
// surface one on every event type); 30 days matches the modal monthly
// billing cycle across Stripe, Apple and Google subscriptions.
const defaultPeriodLength = 30 * 24 * time.Hour

// defaultTrialLength is used to derive trialEnd for a trial_start event.
const defaultTrialLength = 14 * 24 * time.Hour

// Reducer applies canonical events to entitlement state.
type Reducer struct {
	db     *database.Database
	logger *zap.Logger
}

// NewReducer constructs an entitlement reducer.
func NewReducer(db *database.Database, logger *zap.Logger) *Reducer {
	return &Reducer{db: db, logger: logger}
}

// Apply upserts the (orgId, userId, productId, source) entitlement for the
// given canonical event. A missing productId skips the
// reducer entirely; an event older than the entitlement's last-event time is
// a no-op (the event itself has already been persisted by the ingestion
// pipeline, so history is preserved even though state does not regress).
func (r *Reducer) Apply(ctx context.Context, event models.CanonicalEvent) error {
	if event.ProductID == "" {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin entitlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := loadForUpdate(ctx, tx, event.OrgID, event.UserID, event.ProductID, event.Source)
	if err != nil {
		return err
	}

	if existing != nil && event.EventTime.Before(existing.LastEventTime) {
		r.logger.Debug("discarding out-of-order event for entitlement",
			zap.String("org_id", event.OrgID.String()),
			zap.String("user_id", event.UserID.String()),
			zap.String("product_id", event.ProductID),
		)
		return tx.Commit(ctx)
	}

	next := transition(existing, event)
	if next == nil {
		return tx.Commit(ctx)
	}
	next.LastEventTime = event.EventTime

	if err := upsert(ctx, tx, *next); err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	return tx.Commit(ctx)
}

func loadForUpdate(ctx context.Context, tx pgx.Tx, orgID, userID uuid.UUID, productID string, source models.Source) (*models.Entitlement, error) {
	var e models.Entitlement
	err := tx.QueryRow(ctx, `
		SELECT id, org_id, user_id, product_id, source, state, current_period_start,
		       current_period_end, trial_end, external_subscription_id, last_event_time, updated_at
		FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
		FOR UPDATE
	`, orgID, userID, productID, source).Scan(
		&e.ID, &e.OrgID, &e.UserID, &e.ProductID, &e.Source, &e.State,
		&e.CurrentPeriodStart, &e.CurrentPeriodEnd, &e.TrialEnd,
		&e.ExternalSubscriptionID, &e.LastEventTime, &e.UpdatedAt,
	)
	switch {
	case err == nil:
		return &e, nil
	case err == pgx.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
}

func upsert(ctx context.Context, tx pgx.Tx, e models.Entitlement) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entitlements (org_id, user_id, product_id, source, state, current_period_start,
			current_period_end, trial_end, external_subscription_id, last_event_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP)
		ON CONFLICT (org_id, user_id, product_id, source) DO UPDATE SET
			state = EXCLUDED.state,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_end = EXCLUDED.trial_end,
			external_subscription_id = EXCLUDED.external_subscription_id,
			last_event_time = EXCLUDED.last_event_time,
			updated_at = CURRENT_TIMESTAMP
	`, e.OrgID, e.UserID, e.ProductID, e.Source, e.State, e.CurrentPeriodStart,
		e.CurrentPeriodEnd, e.TrialEnd, e.ExternalSubscriptionID, e.LastEventTime)
	return err
}

// transition computes the entitlement row that results from applying event
// to existing (nil if no row exists yet). It
// returns nil when the event produces no change worth persisting.
func transition(existing *models.Entitlement, event models.CanonicalEvent) *models.Entitlement {
	base := models.Entitlement{
		OrgID:     event.OrgID,
		UserID:    event.UserID,
		ProductID: event.ProductID,
		Source:    event.Source,
	}
	if existing != nil {
		base = *existing
	}

	switch {
	case event.EventType == models.EventPurchase && event.Status == models.EventStatusSuccess:
		base.State = models.StateActive
		base.CurrentPeriodStart = &event.EventTime
		end := event.EventTime.Add(defaultPeriodLength)
		base.CurrentPeriodEnd = &end

	case event.EventType == models.EventTrialStart:
		base.State = models.StateTrial
		end := event.EventTime.Add(defaultTrialLength)
		base.TrialEnd = &end

	case event.EventType == models.EventTrialConversion && event.Status == models.EventStatusSuccess:
		base.State = models.StateActive
		rollPeriod(&base, event.EventTime)

	case event.EventType == models.EventRenewal && event.Status == models.EventStatusSuccess:
		base.State = models.StateActive
		rollPeriod(&base, event.EventTime)

	case event.EventType == models.EventBillingRetry && event.Status == models.EventStatusFailed:
		if base.State == models.StateBillingRetry {
			base.State = models.StateGracePeriod
		} else {
			base.State = models.StateBillingRetry
		}
		// period fields unchanged

	case event.EventType == models.EventCancellation && event.Status == models.EventStatusSuccess:
		// The provider signals intent to cancel at period end; the entitlement
		// stays active (or whatever it currently is) until a later expiration
		// event actually arrives. Period is kept as-is.

	case event.EventType == models.EventExpiration:
		base.State = models.StateExpired

	case event.EventType == models.EventRefund && event.Status == models.EventStatusSuccess:
		base.State = models.StateRefunded

	case event.EventType == models.EventChargeback:
		base.State = models.StateRevoked

	default:
		// Unrecognized or non-state-changing event/status combination.
		return nil
	}

	return &base
}

func rollPeriod(e *models.Entitlement, eventTime time.Time) {
	start := eventTime
	end := eventTime.Add(defaultPeriodLength)
	e.CurrentPeriodStart = &start
	e.CurrentPeriodEnd = &end
}
