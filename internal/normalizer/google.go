package normalizer

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revback/core/internal/models"
)

const googleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

// pubsubPushEnvelope is the body Cloud Pub/Sub push delivers for a Real-Time
// Developer Notification subscription.
type pubsubPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// rtdnPayload is the base64-decoded notification body.
type rtdnPayload struct {
	PackageName              string `json:"packageName"`
	EventTimeMillis           string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// GoogleNormalizer verifies and normalizes Google Play Real-Time Developer
// Notifications. Authenticity is established by the Pub/Sub push request's
// bearer OIDC token (issued by accounts.google.com), not a shared secret, so
// the connection secret is unused here.
type GoogleNormalizer struct {
	httpClient *http.Client

	mu         sync.Mutex
	cachedKeys map[string]*rsa.PublicKey
	cachedAt   time.Time
}

// NewGoogleNormalizer constructs the Google normalizer.
func NewGoogleNormalizer() *GoogleNormalizer {
	return &GoogleNormalizer{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// Source implements Normalizer.
func (n *GoogleNormalizer) Source() models.Source {
	return models.SourceGoogle
}

// VerifySignature implements Normalizer. It expects the push endpoint's
// Authorization: Bearer <token> header; the request body itself is not
// separately signed by Google.
func (n *GoogleNormalizer) VerifySignature(_ []byte, headers http.Header, _ string) bool {
	auth := headers.Get("Authorization")
	tokenString := strings.TrimPrefix(auth, "Bearer ")
	if tokenString == auth || tokenString == "" {
		return false
	}

	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, &claims, n.keyFunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return false
	}
	return claims.Issuer == "https://accounts.google.com" || claims.Issuer == "accounts.google.com"
}

// Normalize implements Normalizer.
func (n *GoogleNormalizer) Normalize(raw []byte) ([]NormalizedEvent, error) {
	var envelope pubsubPushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pubsub envelope: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pubsub message data: %w", err)
	}

	var payload rtdnPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rtdn payload: %w", err)
	}

	if payload.SubscriptionNotification == nil {
		return nil, nil
	}

	eventType, status, ok := googleEventType(payload.SubscriptionNotification.NotificationType)
	if !ok {
		return nil, nil
	}

	eventTime := time.Now().UTC()
	if ms, err := strconv.ParseInt(payload.EventTimeMillis, 10, 64); err == nil {
		eventTime = time.UnixMilli(ms).UTC()
	}

	externalID := fmt.Sprintf("%s-%d-%s", payload.SubscriptionNotification.PurchaseToken, payload.SubscriptionNotification.NotificationType, envelope.Message.MessageID)

	return []NormalizedEvent{{
		ExternalEventID: externalID,
		EventType:       eventType,
		Status:          status,
		ProductID:       payload.SubscriptionNotification.SubscriptionID,
		EventTime:       eventTime,
		IdentityHints: []models.IdentityHint{
			{Source: models.SourceGoogle, IDType: models.IdentitySubscriptionID, ExternalID: payload.SubscriptionNotification.PurchaseToken},
		},
	}}, nil
}

// ExtractIdentityHints implements Normalizer.
func (n *GoogleNormalizer) ExtractIdentityHints(raw []byte) ([]models.IdentityHint, error) {
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

// googleEventType maps a Real-Time Developer Notification type to a
// canonical event. See Google Play's subscriptionNotification.notificationType
// enum; types with no canonical-event equivalent (e.g. price change
// confirmations) are silently discarded.
func googleEventType(notificationType int) (models.EventType, models.EventStatus, bool) {
	switch notificationType {
	case 4: // PURCHASED
		return models.EventPurchase, models.EventStatusSuccess, true
	case 2: // RENEWED
		return models.EventRenewal, models.EventStatusSuccess, true
	case 13: // EXPIRED
		return models.EventExpiration, models.EventStatusSuccess, true
	case 12: // REVOKED
		return models.EventChargeback, models.EventStatusSuccess, true
	case 3: // CANCELED
		return models.EventCancellation, models.EventStatusSuccess, true
	case 6: // IN_GRACE_PERIOD
		return models.EventBillingRetry, models.EventStatusFailed, true
	default:
		return "", "", false
	}
}

func (n *GoogleNormalizer) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token missing kid header")
	}

	keys, err := n.keys(context.Background())
	if err != nil {
		return nil, err
	}

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("no matching google signing key for kid %q", kid)
	}
	return key, nil
}

// keys returns Google's current OAuth2 signing keys, refreshing the cache
// once it is older than an hour.
func (n *GoogleNormalizer) keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cachedKeys != nil && time.Since(n.cachedAt) < time.Hour {
		return n.cachedKeys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleCertsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch google signing keys: %w", err)
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
			Kty string `json:"kty"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode google signing keys: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	n.cachedKeys = keys
	n.cachedAt = time.Now()
	return keys, nil
}

func rsaPublicKeyFromJWK(nb64, eb64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nb64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eb64)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
