package normalizer

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revback/core/internal/models"
)

// appStoreNotification is the envelope App Store Server Notifications V2
// sends: a single JWS string carrying the notification itself.
type appStoreNotification struct {
	SignedPayload string `json:"signedPayload"`
}

// appleNotificationClaims is the decoded signedPayload JWS body.
type appleNotificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
	jwt.RegisteredClaims
}

// appleTransactionClaims is the decoded signedTransactionInfo JWS body.
type appleTransactionClaims struct {
	TransactionID          string `json:"transactionId"`
	OriginalTransactionID  string `json:"originalTransactionId"`
	ProductID              string `json:"productId"`
	AppAccountToken        string `json:"appAccountToken"`
	PurchaseDate           int64  `json:"purchaseDate"`
	ExpiresDate            int64  `json:"expiresDate"`
	Currency               string `json:"currency"`
	Price                  int64  `json:"price"`
	jwt.RegisteredClaims
}

// AppleNormalizer verifies and normalizes App Store Server Notification V2
// payloads. Apple signs each JWS with a leaf certificate whose chain is
// carried in the x5c header, rather than a shared secret, so the connection
// secret is unused here.
type AppleNormalizer struct{}

// NewAppleNormalizer constructs the Apple normalizer.
func NewAppleNormalizer() *AppleNormalizer {
	return &AppleNormalizer{}
}

// Source implements Normalizer.
func (n *AppleNormalizer) Source() models.Source {
	return models.SourceApple
}

// VerifySignature implements Normalizer.
func (n *AppleNormalizer) VerifySignature(raw []byte, _ http.Header, _ string) bool {
	var envelope appStoreNotification
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.SignedPayload == "" {
		return false
	}
	_, err := parseAppleJWS(envelope.SignedPayload, &appleNotificationClaims{})
	return err == nil
}

// Normalize implements Normalizer.
func (n *AppleNormalizer) Normalize(raw []byte) ([]NormalizedEvent, error) {
	var envelope appStoreNotification
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app store notification: %w", err)
	}

	claims := &appleNotificationClaims{}
	if _, err := parseAppleJWS(envelope.SignedPayload, claims); err != nil {
		return nil, fmt.Errorf("failed to verify signed payload: %w", err)
	}

	eventType, status, ok := appleEventType(claims.NotificationType, claims.Subtype)
	if !ok {
		return nil, nil
	}

	var txn appleTransactionClaims
	if claims.Data.SignedTransactionInfo != "" {
		// The nested transaction JWS is signed by the same Apple key; its
		// claims are trusted once the outer notification JWS has verified.
		if _, _, err := jwt.NewParser().ParseUnverified(claims.Data.SignedTransactionInfo, &txn); err != nil {
			return nil, fmt.Errorf("failed to parse transaction info: %w", err)
		}
	}

	event := NormalizedEvent{
		ExternalEventID: txn.TransactionID,
		EventType:       eventType,
		Status:          status,
		AmountCents:     txn.Price,
		Currency:        txn.Currency,
		ProductID:       txn.ProductID,
		EventTime:       time.Now().UTC(),
		IdentityHints:   appleHints(txn),
	}
	if txn.PurchaseDate > 0 {
		event.EventTime = time.UnixMilli(txn.PurchaseDate).UTC()
	}
	if event.ExternalEventID == "" {
		// Notifications without a transaction (e.g. test notifications)
		// still need a stable dedup key.
		event.ExternalEventID = fmt.Sprintf("%s-%s-%d", claims.NotificationType, claims.Subtype, event.EventTime.Unix())
	}

	return []NormalizedEvent{event}, nil
}

// ExtractIdentityHints implements Normalizer.
func (n *AppleNormalizer) ExtractIdentityHints(raw []byte) ([]models.IdentityHint, error) {
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

func appleEventType(notificationType, subtype string) (models.EventType, models.EventStatus, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return models.EventPurchase, models.EventStatusSuccess, true
	case "DID_RENEW":
		return models.EventRenewal, models.EventStatusSuccess, true
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return models.EventExpiration, models.EventStatusSuccess, true
	case "DID_FAIL_TO_RENEW":
		return models.EventBillingRetry, models.EventStatusFailed, true
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_DISABLED" {
			return models.EventCancellation, models.EventStatusSuccess, true
		}
		return "", "", false
	case "REFUND":
		return models.EventRefund, models.EventStatusSuccess, true
	case "REFUND_DECLINED":
		return "", "", false
	default:
		return "", "", false
	}
}

func appleHints(txn appleTransactionClaims) []models.IdentityHint {
	var hints []models.IdentityHint
	if txn.OriginalTransactionID != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceApple, IDType: models.IdentityOriginalTransactionID, ExternalID: txn.OriginalTransactionID})
	}
	if txn.AppAccountToken != "" {
		hints = append(hints, models.IdentityHint{Source: models.SourceApple, IDType: models.IdentityAppUserID, ExternalID: txn.AppAccountToken})
	}
	return hints
}

// parseAppleJWS verifies a JWS against the leaf certificate carried in its
// own x5c header and decodes its claims into out.
func parseAppleJWS(token string, out jwt.Claims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, out, func(t *jwt.Token) (interface{}, error) {
		x5c, ok := t.Header["x5c"].([]interface{})
		if !ok || len(x5c) == 0 {
			return nil, fmt.Errorf("missing x5c header")
		}

		leafDER, ok := x5c[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c header")
		}
		der, err := base64.StdEncoding.DecodeString(leafDER)
		if err != nil {
			return nil, fmt.Errorf("failed to decode leaf certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("leaf certificate is not currently valid")
		}

		return cert.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256", "RS256"}))
}
