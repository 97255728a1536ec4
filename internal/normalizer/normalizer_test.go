package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/core/internal/models"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	n, err := r.Get(models.SourceStripe)
	require.NoError(t, err)
	assert.Equal(t, models.SourceStripe, n.Source())

	_, err = r.Get(models.Source("paddle"))
	assert.Error(t, err)
}

func TestRecurlyNormalizer(t *testing.T) {
	n := NewRecurlyNormalizer()
	secret := "recurly-shared-secret"

	body := []byte(`{
		"event_type": "new_subscription_notification",
		"subscription": {"uuid": "sub_123", "plan_code": "pro_monthly", "unit_amount_in_cents": 1999, "currency": "USD"},
		"account": {"account_code": "acct_123", "email": "user@example.com"}
	}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	t.Run("valid signature verifies", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Recurly-Signature", signature)
		assert.True(t, n.VerifySignature(body, headers, secret))
	})

	t.Run("tampered signature fails closed", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Recurly-Signature", "deadbeef")
		assert.False(t, n.VerifySignature(body, headers, secret))
	})

	t.Run("missing signature header fails closed", func(t *testing.T) {
		assert.False(t, n.VerifySignature(body, http.Header{}, secret))
	})

	t.Run("normalizes new_subscription_notification to a purchase event", func(t *testing.T) {
		events, err := n.Normalize(body)
		require.NoError(t, err)
		require.Len(t, events, 1)

		assert.Equal(t, models.EventPurchase, events[0].EventType)
		assert.Equal(t, models.EventStatusSuccess, events[0].Status)
		assert.Equal(t, int64(1999), events[0].AmountCents)
		assert.Equal(t, "pro_monthly", events[0].ProductID)
		assert.NotEmpty(t, events[0].IdentityHints)
	})

	t.Run("unrecognized event type yields no canonical events", func(t *testing.T) {
		unknown := []byte(`{"event_type": "something_new", "subscription": {}, "account": {}}`)
		events, err := n.Normalize(unknown)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestGoogleEventTypeMapping(t *testing.T) {
	t.Run("purchased maps to purchase", func(t *testing.T) {
		eventType, status, ok := googleEventType(4)
		require.True(t, ok)
		assert.Equal(t, models.EventPurchase, eventType)
		assert.Equal(t, models.EventStatusSuccess, status)
	})

	t.Run("unmapped notification type is discarded", func(t *testing.T) {
		_, _, ok := googleEventType(8)
		assert.False(t, ok)
	})
}

func TestAppleEventTypeMapping(t *testing.T) {
	t.Run("did_renew maps to renewal", func(t *testing.T) {
		eventType, status, ok := appleEventType("DID_RENEW", "")
		require.True(t, ok)
		assert.Equal(t, models.EventRenewal, eventType)
		assert.Equal(t, models.EventStatusSuccess, status)
	})

	t.Run("renewal status change without auto-renew-disabled subtype is discarded", func(t *testing.T) {
		_, _, ok := appleEventType("DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED")
		assert.False(t, ok)
	})
}

func TestStripeRefundNormalization(t *testing.T) {
	n := NewStripeNormalizer()

	t.Run("charge.refunded carries the invoice's product", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_refund_1",
			"type": "charge.refunded",
			"created": 1767225600,
			"data": {"object": {
				"amount_refunded": 1999,
				"currency": "usd",
				"customer": {"id": "cus_A"},
				"invoice": {"id": "in_1", "lines": {"data": [{"price": {"id": "price_pro"}}]}}
			}}
		}`)

		events, err := n.Normalize(body)
		require.NoError(t, err)
		require.Len(t, events, 1)

		assert.Equal(t, models.EventRefund, events[0].EventType)
		assert.Equal(t, models.EventStatusSuccess, events[0].Status)
		assert.Equal(t, int64(1999), events[0].AmountCents)
		assert.Equal(t, "price_pro", events[0].ProductID)
		require.Len(t, events[0].IdentityHints, 1)
		assert.Equal(t, "cus_A", events[0].IdentityHints[0].ExternalID)
	})

	t.Run("charge.dispute.created carries the charge's invoice product", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_dispute_1",
			"type": "charge.dispute.created",
			"created": 1767225600,
			"data": {"object": {
				"amount": 1999,
				"currency": "usd",
				"charge": {
					"id": "ch_1",
					"customer": {"id": "cus_A"},
					"invoice": {"id": "in_1", "lines": {"data": [{"price": {"id": "price_pro"}}]}}
				}
			}}
		}`)

		events, err := n.Normalize(body)
		require.NoError(t, err)
		require.Len(t, events, 1)

		assert.Equal(t, models.EventChargeback, events[0].EventType)
		assert.Equal(t, "price_pro", events[0].ProductID)
		require.Len(t, events[0].IdentityHints, 1)
		assert.Equal(t, "cus_A", events[0].IdentityHints[0].ExternalID)
	})

	t.Run("refund without an invoice still normalizes, product unknown", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_refund_2",
			"type": "charge.refunded",
			"created": 1767225600,
			"data": {"object": {"amount_refunded": 500, "currency": "usd", "customer": {"id": "cus_B"}}}
		}`)

		events, err := n.Normalize(body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventRefund, events[0].EventType)
		assert.Empty(t, events[0].ProductID)
	})
}
