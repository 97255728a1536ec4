package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revback/core/pkg/database"
)

func TestRegistryExposesAllRequiredDetectors(t *testing.T) {
	r := NewRegistry(&database.Database{}, zap.NewNop())

	expectedIDs := []string{
		"payment_without_entitlement",
		"entitlement_without_payment",
		"unrevoked_refund",
		"silent_renewal_failure",
		"cross_platform_conflict",
		"duplicate_billing",
		"webhook_delivery_gap",
		"trial_no_conversion",
		"stale_subscription",
		"data_freshness",
		"verified_paid_no_access",
		"verified_access_no_payment",
	}

	for _, id := range expectedIDs {
		t.Run(id, func(t *testing.T) {
			d, err := r.Get(id)
			require.NoError(t, err)
			assert.Equal(t, id, d.ID())
		})
	}

	_, err := r.Get("not_a_real_detector")
	assert.Error(t, err)
}

func TestRegistryScheduledScanSubset(t *testing.T) {
	r := NewRegistry(&database.Database{}, zap.NewNop())

	scheduled := r.WithScheduledScan()
	ids := make(map[string]bool)
	for _, d := range scheduled {
		ids[d.ID()] = true
	}

	// silent_renewal_failure has no event-triggered hook and must be present.
	assert.True(t, ids["silent_renewal_failure"])
	// cross_platform_conflict is event-only and must be absent.
	assert.False(t, ids["cross_platform_conflict"])
}
