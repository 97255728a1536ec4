package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/revback/core/internal/models"
)

// recurlyNotification is Recurly's webhook payload shape. Recurly has no
// dedicated Go SDK in wide use for webhook verification; the HMAC-over-body
// check below is the same scheme we sign our own outbound alerts with.
type recurlyNotification struct {
	EventType    string `json:"event_type"`
	Subscription struct {
		UUID               string `json:"uuid"`
		PlanCode           string `json:"plan_code"`
		State              string `json:"state"`
		UnitAmountInCents  int64  `json:"unit_amount_in_cents"`
		Currency           string `json:"currency"`
		CurrentPeriodEndsAt string `json:"current_period_ends_at"`
		ActivatedAt        string `json:"activated_at"`
	} `json:"subscription"`
	Account struct {
		AccountCode string `json:"account_code"`
		Email       string `json:"email"`
	} `json:"account"`
}

// RecurlyNormalizer verifies and normalizes Recurly webhook notifications.
type RecurlyNormalizer struct{}

// NewRecurlyNormalizer constructs the Recurly normalizer.
func NewRecurlyNormalizer() *RecurlyNormalizer {
	return &RecurlyNormalizer{}
}

// Source implements Normalizer.
func (n *RecurlyNormalizer) Source() models.Source {
	return models.SourceRecurly
}

// VerifySignature implements Normalizer.
func (n *RecurlyNormalizer) VerifySignature(raw []byte, headers http.Header, secret string) bool {
	provided := headers.Get("X-Recurly-Signature")
	if provided == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

// Normalize implements Normalizer.
func (n *RecurlyNormalizer) Normalize(raw []byte) ([]NormalizedEvent, error) {
	var notification recurlyNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recurly notification: %w", err)
	}

	eventType, status, ok := recurlyEventType(notification.EventType)
	if !ok {
		return nil, nil
	}

	eventTime := time.Now().UTC()
	if notification.Subscription.ActivatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, notification.Subscription.ActivatedAt); err == nil {
			eventTime = parsed
		}
	}

	return []NormalizedEvent{{
		ExternalEventID: fmt.Sprintf("%s-%s", notification.EventType, notification.Subscription.UUID),
		EventType:       eventType,
		Status:          status,
		AmountCents:     notification.Subscription.UnitAmountInCents,
		Currency:        notification.Subscription.Currency,
		ProductID:       notification.Subscription.PlanCode,
		EventTime:       eventTime,
		IdentityHints:   recurlyHints(notification),
	}}, nil
}

// ExtractIdentityHints implements Normalizer.
func (n *RecurlyNormalizer) ExtractIdentityHints(raw []byte) ([]models.IdentityHint, error) {
	events, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	var hints []models.IdentityHint
	for _, e := range events {
		hints = append(hints, e.IdentityHints...)
	}
	return hints, nil
}

func recurlyEventType(eventType string) (models.EventType, models.EventStatus, bool) {
	switch eventType {
	case "new_subscription_notification":
		return models.EventPurchase, models.EventStatusSuccess, true
	case "renewed_subscription_notification":
		return models.EventRenewal, models.EventStatusSuccess, true
	case "canceled_subscription_notification":
		return models.EventCancellation, models.EventStatusSuccess, true
	case "expired_subscription_notification":
		return models.EventExpiration, models.EventStatusSuccess, true
	case "billing_info_updated_failed_notification":
		return models.EventBillingRetry, models.EventStatusFailed, true
	case "refunded_invoice_notification":
		return models.EventRefund, models.EventStatusSuccess, true
	default:
		return "", "", false
	}
}

func recurlyHints(n recurlyNotification) []models.IdentityHint {
	var hints []models.IdentityHint
	if n.Account.AccountCode != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceRecurly, IDType: models.IdentityCustomerID, ExternalID: n.Account.AccountCode})
	}
	if n.Account.Email != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceRecurly, IDType: models.IdentityEmail, ExternalID: n.Account.Email})
	}
	if n.Subscription.UUID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceRecurly, IDType: models.IdentitySubscriptionID, ExternalID: n.Subscription.UUID})
	}
	return hints
}
