package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/revback/core/pkg/breaker"
)

// SignatureHeader carries the HMAC-SHA256 hex digest of the request body,
// prefixed "sha256=", computed with the alert config's secret.
const SignatureHeader = "X-RevBack-Signature"

// WebhookSender posts signed alert payloads to customer endpoints, each
// endpoint host gated by its own circuit breaker.
type WebhookSender struct {
	client   *http.Client
	breakers *breaker.Registry
	logger   *zap.Logger
}

// NewWebhookSender constructs the webhook channel.
func NewWebhookSender(breakers *breaker.Registry, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		client:   &http.Client{Timeout: 30 * time.Second},
		breakers: breakers,
		logger:   logger,
	}
}

// Sign computes the signature value for a payload under a config secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against a payload. Provided
// for endpoint implementors receiving RevBack alerts.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// Send posts one signed delivery. A breaker rejection surfaces as
// breaker.ErrCircuitOpen, which the queue treats as retryable like any other
// delivery failure.
func (w *WebhookSender) Send(ctx context.Context, endpoint, secret string, body []byte, eventType, eventID string) error {
	target := breakerTarget(endpoint)

	return w.breakers.Get(target).Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
		if err != nil {
			return fmt.Errorf("failed to create alert request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "RevBack-Alerts/1.0")
		req.Header.Set(SignatureHeader, Sign(body, secret))
		req.Header.Set("X-RevBack-Event-Type", eventType)
		req.Header.Set("X-RevBack-Event-ID", eventID)

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to deliver alert webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// breakerTarget reduces an endpoint URL to its host, so all deliveries to
// one customer endpoint share a breaker.
func breakerTarget(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
