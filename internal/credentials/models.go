package credentials

// StripeCredentials contains the secrets a stripe BillingConnection needs to
// verify inbound webhook signatures and, optionally, call back to the
// Stripe API for reconciliation scans.
type StripeCredentials struct {
	WebhookSecret string  `json:"webhook_secret"`
	APIKey        *string `json:"api_key,omitempty"`
}

// AppleCredentials contains the secrets an apple BillingConnection needs to
// verify App Store Server Notification V2 JWS payloads and call the App
// Store Server API.
type AppleCredentials struct {
	SharedSecret string  `json:"shared_secret"`
	BundleID     string  `json:"bundle_id"`
	KeyID        *string `json:"key_id,omitempty"`
	IssuerID     *string `json:"issuer_id,omitempty"`
	PrivateKey   *string `json:"private_key,omitempty"`
}

// GoogleCredentials contains the secrets a google BillingConnection needs to
// verify Real-Time Developer Notification bearer tokens and call the Google
// Play Developer API.
type GoogleCredentials struct {
	PackageName        string                 `json:"package_name"`
	ServiceAccountJSON map[string]interface{} `json:"service_account_json,omitempty"`
}

// RecurlyCredentials contains the shared secret a recurly BillingConnection
// uses to verify webhook HMAC signatures.
type RecurlyCredentials struct {
	SharedSecret string  `json:"shared_secret"`
	APIKey       *string `json:"api_key,omitempty"`
}

// SupportedSources lists every provider RevBack can hold a BillingConnection for.
var SupportedSources = []string{"stripe", "apple", "google", "recurly"}

// IsValidSource checks if the source is one RevBack ingests from.
func IsValidSource(source string) bool {
	for _, s := range SupportedSources {
		if s == source {
			return true
		}
	}
	return false
}
