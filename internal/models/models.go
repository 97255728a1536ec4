// Package models holds the persisted shapes of the RevBack data model:
// organizations, billing connections, the idempotent raw webhook log,
// canonical events, users and their identities, entitlements, detected
// issues and optional access-check telemetry. All rows are organization
// scoped; orgId is a tenant key on every table.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies a billing provider.
type Source string

const (
	SourceStripe  Source = "stripe"
	SourceApple   Source = "apple"
	SourceGoogle  Source = "google"
	SourceRecurly Source = "recurly"
)

// Organization is a tenant.
type Organization struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// BillingConnection is a (orgId, source) pair with encrypted provider credentials.
type BillingConnection struct {
	ID                  uuid.UUID
	OrgID               uuid.UUID
	Source              Source
	CredentialsEncrypted string
	IsActive            bool
	LastWebhookAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProcessingStatus is the lifecycle of a RawWebhookLog row.
type ProcessingStatus string

const (
	ProcessingReceived   ProcessingStatus = "received"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingSucceeded  ProcessingStatus = "succeeded"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingDLQ        ProcessingStatus = "dlq"
)

// RawWebhookLog is the bytes-exact inbound payload record and primary
// idempotency record for the ingestion pipeline.
type RawWebhookLog struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	Source           Source
	Headers          map[string]string
	Body             []byte
	ReceivedAt       time.Time
	ProcessingStatus ProcessingStatus
	ErrorMessage     string
}

// EventType is a canonical, provider-agnostic billing event kind.
type EventType string

const (
	EventPurchase        EventType = "purchase"
	EventRenewal         EventType = "renewal"
	EventRefund          EventType = "refund"
	EventChargeback      EventType = "chargeback"
	EventCancellation    EventType = "cancellation"
	EventExpiration      EventType = "expiration"
	EventTrialStart      EventType = "trial_start"
	EventTrialConversion EventType = "trial_conversion"
	EventBillingRetry    EventType = "billing_retry"
)

// EventStatus is the outcome carried by a canonical event.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
	EventStatusPending EventStatus = "pending"
)

// CanonicalEvent is the normalized, provider-agnostic billing event.
// (OrgID, Source, ExternalEventID) is unique: replays are silent no-ops.
type CanonicalEvent struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	Source          Source
	ExternalEventID string
	EventType       EventType
	Status          EventStatus
	UserID          uuid.UUID
	ProductID       string
	AmountCents     int64
	Currency        string
	EventTime       time.Time
	CreatedAt       time.Time
}

// User is the (orgId)-scoped subject of entitlements.
type User struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	ExternalUserID string
	Email          string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// IdentityType enumerates the kinds of external identifiers a normalizer can emit.
type IdentityType string

const (
	IdentityCustomerID            IdentityType = "customer_id"
	IdentityOriginalTransactionID IdentityType = "original_transaction_id"
	IdentityEmail                 IdentityType = "email"
	IdentityAppUserID             IdentityType = "app_user_id"
	IdentitySubscriptionID        IdentityType = "subscription_id"
)

// IdentityHint is an identifier a normalizer extracts from a payload, not yet
// resolved to a user.
type IdentityHint struct {
	Source     Source
	IDType     IdentityType
	ExternalID string
}

// UserIdentity links a (orgId, source, idType, externalId) to exactly one user.
type UserIdentity struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	UserID     uuid.UUID
	Source     Source
	IDType     IdentityType
	ExternalID string
	CreatedAt  time.Time
}

// EntitlementState is the subscription state RevBack believes a user holds.
type EntitlementState string

const (
	StateActive       EntitlementState = "active"
	StateTrial        EntitlementState = "trial"
	StateGracePeriod  EntitlementState = "grace_period"
	StateBillingRetry EntitlementState = "billing_retry"
	StateInactive     EntitlementState = "inactive"
	StateExpired      EntitlementState = "expired"
	StateRevoked      EntitlementState = "revoked"
	StateRefunded     EntitlementState = "refunded"
)

// IsActiveLike reports whether a state counts as "the user currently has access".
func (s EntitlementState) IsActiveLike() bool {
	switch s {
	case StateActive, StateTrial, StateGracePeriod, StateBillingRetry:
		return true
	default:
		return false
	}
}

// Entitlement is the (orgId, userId, productId, source)-unique subscription state.
type Entitlement struct {
	ID                    uuid.UUID
	OrgID                 uuid.UUID
	UserID                uuid.UUID
	ProductID             string
	Source                Source
	State                 EntitlementState
	CurrentPeriodStart    *time.Time
	CurrentPeriodEnd      *time.Time
	TrialEnd              *time.Time
	ExternalSubscriptionID string
	LastEventTime         time.Time
	UpdatedAt             time.Time
}

// IssueSeverity ranks how urgently an issue needs attention.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// IssueStatus is the lifecycle of a detected anomaly.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
	IssueAcknowledged IssueStatus = "acknowledged"
)

// DetectionTier distinguishes detectors that only see billing data from ones
// that also see in-app access-check telemetry.
type DetectionTier string

const (
	TierBillingOnly DetectionTier = "billing_only"
	TierAppVerified DetectionTier = "app_verified"
)

// Issue is a detected anomaly surfaced to operators. At most one `open`
// issue may exist per (OrgID, UserID, IssueType).
type Issue struct {
	ID                    uuid.UUID
	OrgID                 uuid.UUID
	UserID                *uuid.UUID
	IssueType             string
	Severity              IssueSeverity
	Status                IssueStatus
	Title                 string
	Description           string
	EstimatedRevenueCents int64
	Confidence            float64
	DetectorID            string
	DetectionTier         DetectionTier
	Evidence              map[string]interface{}
	CreatedAt             time.Time
	ResolvedAt            *time.Time
	Resolution            string
}

// AccessCheck is optional Tier-2 telemetry reported by the customer's app.
type AccessCheck struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	UserID         uuid.UUID
	ProductID      string
	ExternalUserID string
	HasAccess      bool
	ReportedAt     time.Time
}

// AlertDeliveryLog records the outcome of one outbound alert delivery attempt.
type AlertDeliveryLog struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	IssueID     uuid.UUID
	Channel     string
	Outcome     string
	Error       string
	AttemptedAt time.Time
}
