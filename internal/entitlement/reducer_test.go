package entitlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/core/internal/models"
)

func baseEvent(eventType models.EventType, status models.EventStatus, eventTime time.Time) models.CanonicalEvent {
	return models.CanonicalEvent{
		OrgID:     uuid.New(),
		UserID:    uuid.New(),
		ProductID: "pro_monthly",
		Source:    models.SourceStripe,
		EventType: eventType,
		Status:    status,
		EventTime: eventTime,
	}
}

func TestTransitionFromNilEntitlement(t *testing.T) {
	now := time.Now().UTC()

	t.Run("purchase creates an active entitlement with a rolled period", func(t *testing.T) {
		event := baseEvent(models.EventPurchase, models.EventStatusSuccess, now)
		next := transition(nil, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateActive, next.State)
		require.NotNil(t, next.CurrentPeriodStart)
		require.NotNil(t, next.CurrentPeriodEnd)
		assert.True(t, next.CurrentPeriodEnd.After(*next.CurrentPeriodStart))
	})

	t.Run("trial start sets trial state and trial end", func(t *testing.T) {
		event := baseEvent(models.EventTrialStart, models.EventStatusSuccess, now)
		next := transition(nil, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateTrial, next.State)
		require.NotNil(t, next.TrialEnd)
		assert.True(t, next.TrialEnd.After(now))
	})

	t.Run("unrecognized event with no existing row is a no-op", func(t *testing.T) {
		event := baseEvent(models.EventType("unknown"), models.EventStatusSuccess, now)
		assert.Nil(t, transition(nil, event))
	})
}

func TestTransitionBillingRetry(t *testing.T) {
	now := time.Now().UTC()

	t.Run("first failure moves active to billing_retry", func(t *testing.T) {
		existing := &models.Entitlement{State: models.StateActive}
		event := baseEvent(models.EventBillingRetry, models.EventStatusFailed, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateBillingRetry, next.State)
	})

	t.Run("second consecutive failure moves billing_retry to grace_period", func(t *testing.T) {
		existing := &models.Entitlement{State: models.StateBillingRetry}
		event := baseEvent(models.EventBillingRetry, models.EventStatusFailed, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateGracePeriod, next.State)
	})
}

func TestTransitionTerminalStates(t *testing.T) {
	now := time.Now().UTC()
	periodStart := now.Add(-10 * 24 * time.Hour)
	periodEnd := now.Add(20 * 24 * time.Hour)

	existing := &models.Entitlement{
		State:              models.StateActive,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	}

	t.Run("refund transitions to refunded", func(t *testing.T) {
		event := baseEvent(models.EventRefund, models.EventStatusSuccess, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateRefunded, next.State)
	})

	t.Run("chargeback transitions to revoked", func(t *testing.T) {
		event := baseEvent(models.EventChargeback, models.EventStatusSuccess, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateRevoked, next.State)
	})

	t.Run("expiration transitions to expired", func(t *testing.T) {
		event := baseEvent(models.EventExpiration, models.EventStatusSuccess, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateExpired, next.State)
	})

	t.Run("cancellation keeps current state and period", func(t *testing.T) {
		event := baseEvent(models.EventCancellation, models.EventStatusSuccess, now)
		next := transition(existing, event)
		require.NotNil(t, next)
		assert.Equal(t, models.StateActive, next.State)
		assert.Equal(t, periodEnd, *next.CurrentPeriodEnd)
	})
}

func TestTransitionRenewalRollsPeriod(t *testing.T) {
	now := time.Now().UTC()
	oldStart := now.Add(-40 * 24 * time.Hour)
	oldEnd := now.Add(-10 * 24 * time.Hour)

	existing := &models.Entitlement{
		State:              models.StateActive,
		CurrentPeriodStart: &oldStart,
		CurrentPeriodEnd:   &oldEnd,
	}

	event := baseEvent(models.EventRenewal, models.EventStatusSuccess, now)
	next := transition(existing, event)
	require.NotNil(t, next)
	assert.Equal(t, models.StateActive, next.State)
	assert.True(t, next.CurrentPeriodStart.Equal(now))
	assert.True(t, next.CurrentPeriodEnd.After(now))
}
