package alerts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/core/internal/models"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt_123","eventType":"issue.created"}`)
	secret := "whsec_test_secret"

	sig := Sign(body, secret)
	assert.True(t, VerifySignature(body, sig, secret))

	t.Run("tampered body rejected", func(t *testing.T) {
		assert.False(t, VerifySignature([]byte(`{"id":"evt_456"}`), sig, secret))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(body, sig, "other_secret"))
	})
}

func TestOutboundEventShape(t *testing.T) {
	out := OutboundEvent{
		ID:         "evt_abc",
		EventType:  "issue.created",
		APIVersion: APIVersion,
		Timestamp:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	out.Data.Issue = EnrichedIssue{
		ID:                "11111111-1111-1111-1111-111111111111",
		IssueType:         "duplicate_billing",
		Severity:          "critical",
		Title:             "User billed on two platforms",
		Confidence:        0.9,
		Category:          "cross_platform",
		RecommendedAction: "Refund the duplicate subscription and guide the user to a single billing platform.",
	}

	raw, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "evt_abc", decoded["id"])
	assert.Equal(t, "issue.created", decoded["eventType"])
	assert.Equal(t, "2026-02-01", decoded["apiVersion"])

	data := decoded["data"].(map[string]interface{})
	issue := data["issue"].(map[string]interface{})
	assert.Equal(t, "duplicate_billing", issue["issueType"])
	assert.Equal(t, "cross_platform", issue["category"])
	assert.NotEmpty(t, issue["recommendedAction"])
}

func TestMetaForCoversAllDetectors(t *testing.T) {
	known := []string{
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
	for _, id := range known {
		meta := MetaFor(id)
		assert.NotEmpty(t, meta.Category, "detector %s missing category", id)
		assert.NotEmpty(t, meta.RecommendedAction, "detector %s missing recommended action", id)
	}

	t.Run("unknown detector falls back", func(t *testing.T) {
		meta := MetaFor("brand_new_detector")
		assert.Equal(t, "billing_health", meta.Category)
	})
}

func TestAlertConfigSeverityFilter(t *testing.T) {
	tests := []struct {
		name     string
		min      models.IssueSeverity
		severity models.IssueSeverity
		want     bool
	}{
		{"critical passes warning floor", models.SeverityWarning, models.SeverityCritical, true},
		{"warning passes warning floor", models.SeverityWarning, models.SeverityWarning, true},
		{"info blocked by warning floor", models.SeverityWarning, models.SeverityInfo, false},
		{"warning blocked by critical floor", models.SeverityCritical, models.SeverityWarning, false},
		{"info floor passes everything", models.SeverityInfo, models.SeverityInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AlertConfig{Enabled: true, MinSeverity: tt.min}
			assert.Equal(t, tt.want, cfg.Matches(tt.severity))
		})
	}

	t.Run("disabled config never matches", func(t *testing.T) {
		cfg := AlertConfig{Enabled: false, MinSeverity: models.SeverityInfo}
		assert.False(t, cfg.Matches(models.SeverityCritical))
	})
}
