package normalizer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/revback/core/internal/models"
)

// StripeNormalizer verifies and normalizes Stripe webhook events. Signature
// verification and event decoding both go through stripe-go's webhook
// package, which signs over the exact raw body bytes (timestamp + payload,
// HMAC-SHA256), so VerifySignature and Normalize must be called with the
// identical bytes the handler read off the wire.
type StripeNormalizer struct{}

// NewStripeNormalizer constructs the Stripe normalizer.
func NewStripeNormalizer() *StripeNormalizer {
	return &StripeNormalizer{}
}

// Source implements Normalizer.
func (n *StripeNormalizer) Source() models.Source {
	return models.SourceStripe
}

// VerifySignature implements Normalizer.
func (n *StripeNormalizer) VerifySignature(raw []byte, headers http.Header, secret string) bool {
	signature := headers.Get("Stripe-Signature")
	_, err := webhook.ConstructEvent(raw, signature, secret)
	return err == nil
}

// Normalize implements Normalizer. Unknown event types produce no canonical
// events; they're simply not added to the returned slice.
func (n *StripeNormalizer) Normalize(raw []byte) ([]NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stripe event: %w", err)
	}

	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventPurchase,
			Status:          models.EventStatusSuccess,
			AmountCents:     subscriptionAmount(sub),
			Currency:        subscriptionCurrency(sub),
			ProductID:       subscriptionProductID(sub),
			EventTime:       eventTime,
			IdentityHints:   stripeSubscriptionHints(sub),
		}}, nil

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       subscriptionUpdateEventType(sub),
			Status:          models.EventStatusSuccess,
			AmountCents:     subscriptionAmount(sub),
			Currency:        subscriptionCurrency(sub),
			ProductID:       subscriptionProductID(sub),
			EventTime:       eventTime,
			IdentityHints:   stripeSubscriptionHints(sub),
		}}, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventExpiration,
			Status:          models.EventStatusSuccess,
			ProductID:       subscriptionProductID(sub),
			EventTime:       eventTime,
			IdentityHints:   stripeSubscriptionHints(sub),
		}}, nil

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventRenewal,
			Status:          models.EventStatusSuccess,
			AmountCents:     inv.AmountPaid,
			Currency:        string(inv.Currency),
			ProductID:       invoiceProductID(inv),
			EventTime:       eventTime,
			IdentityHints:   stripeInvoiceHints(inv),
		}}, nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventBillingRetry,
			Status:          models.EventStatusFailed,
			ProductID:       invoiceProductID(inv),
			EventTime:       eventTime,
			IdentityHints:   stripeInvoiceHints(inv),
		}}, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		hints := []models.IdentityHint{}
		if charge.Customer != nil && charge.Customer.ID != "" {
			hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentityCustomerID, ExternalID: charge.Customer.ID})
		}
		productID := ""
		if charge.Invoice != nil {
			productID = invoiceProductID(*charge.Invoice)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventRefund,
			Status:          models.EventStatusSuccess,
			AmountCents:     charge.AmountRefunded,
			Currency:        string(charge.Currency),
			ProductID:       productID,
			EventTime:       eventTime,
			IdentityHints:   hints,
		}}, nil

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
		hints := []models.IdentityHint{}
		if dispute.Charge != nil && dispute.Charge.Customer != nil && dispute.Charge.Customer.ID != "" {
			hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentityCustomerID, ExternalID: dispute.Charge.Customer.ID})
		}
		productID := ""
		if dispute.Charge != nil && dispute.Charge.Invoice != nil {
			productID = invoiceProductID(*dispute.Charge.Invoice)
		}
		return []NormalizedEvent{{
			ExternalEventID: event.ID,
			EventType:       models.EventChargeback,
			Status:          models.EventStatusSuccess,
			AmountCents:     dispute.Amount,
			Currency:        string(dispute.Currency),
			ProductID:       productID,
			EventTime:       eventTime,
			IdentityHints:   hints,
		}}, nil

	default:
		return nil, nil
	}
}

// ExtractIdentityHints implements Normalizer.
func (n *StripeNormalizer) ExtractIdentityHints(raw []byte) ([]models.IdentityHint, error) {
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

func subscriptionUpdateEventType(sub stripe.Subscription) models.EventType {
	switch sub.Status {
	case stripe.SubscriptionStatusTrialing:
		return models.EventTrialStart
	case stripe.SubscriptionStatusActive:
		return models.EventRenewal
	case stripe.SubscriptionStatusCanceled:
		return models.EventCancellation
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.EventBillingRetry
	default:
		return models.EventRenewal
	}
}

func subscriptionAmount(sub stripe.Subscription) int64 {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return 0
	}
	return sub.Items.Data[0].Price.UnitAmount
}

func subscriptionCurrency(sub stripe.Subscription) string {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return string(sub.Items.Data[0].Price.Currency)
}

func subscriptionProductID(sub stripe.Subscription) string {
	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func invoiceProductID(inv stripe.Invoice) string {
	if len(inv.Lines.Data) == 0 || inv.Lines.Data[0].Price == nil {
		return ""
	}
	return inv.Lines.Data[0].Price.ID
}

func stripeSubscriptionHints(sub stripe.Subscription) []models.IdentityHint {
	var hints []models.IdentityHint
	if sub.Customer != nil && sub.Customer.ID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentityCustomerID, ExternalID: sub.Customer.ID})
	}
	if sub.ID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentitySubscriptionID, ExternalID: sub.ID})
	}
	return hints
}

func stripeInvoiceHints(inv stripe.Invoice) []models.IdentityHint {
	var hints []models.IdentityHint
	if inv.Customer != nil && inv.Customer.ID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentityCustomerID, ExternalID: inv.Customer.ID})
	}
	if inv.Subscription != nil && inv.Subscription.ID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceStripe, IDType: models.IdentitySubscriptionID, ExternalID: inv.Subscription.ID})
	}
	return hints
}
