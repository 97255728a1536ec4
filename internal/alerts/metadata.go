package alerts

// DetectorMeta is the static enrichment attached to an issue before it is
// dispatched: a coarse category and the action an operator should take.
type DetectorMeta struct {
	Category          string `json:"category"`
	RecommendedAction string `json:"recommendedAction"`
}

var detectorMeta = map[string]DetectorMeta{
	"payment_without_entitlement": {
		Category:          "revenue_leak",
		RecommendedAction: "Grant the user their paid entitlement, then check why provisioning did not follow the payment.",
	},
	"entitlement_without_payment": {
		Category:          "revenue_leak",
		RecommendedAction: "Verify the user's payment status with the provider and revoke access if the subscription has lapsed.",
	},
	"unrevoked_refund": {
		Category:          "revenue_leak",
		RecommendedAction: "Revoke the refunded entitlement or confirm the refund was issued in error.",
	},
	"silent_renewal_failure": {
		Category:          "billing_health",
		RecommendedAction: "Check the provider dashboard for stuck renewals and confirm webhooks are being delivered.",
	},
	"cross_platform_conflict": {
		Category:          "cross_platform",
		RecommendedAction: "Reconcile the user's subscriptions across stores; one platform likely failed to sync a cancellation.",
	},
	"duplicate_billing": {
		Category:          "cross_platform",
		RecommendedAction: "Refund the duplicate subscription and guide the user to a single billing platform.",
	},
	"webhook_delivery_gap": {
		Category:          "integration_health",
		RecommendedAction: "Verify the webhook endpoint configuration and credentials for this provider.",
	},
	"trial_no_conversion": {
		Category:          "billing_health",
		RecommendedAction: "Confirm the trial ended without conversion and that access was withdrawn.",
	},
	"stale_subscription": {
		Category:          "data_quality",
		RecommendedAction: "Re-sync this subscription from the provider; its local state has not moved in over a month.",
	},
	"data_freshness": {
		Category:          "data_quality",
		RecommendedAction: "Run a full reconciliation against the provider; a large share of entitlements are stale.",
	},
	"verified_paid_no_access": {
		Category:          "access_mismatch",
		RecommendedAction: "The app reports no access for a paying user; check the entitlement sync in the app backend.",
	},
	"verified_access_no_payment": {
		Category:          "access_mismatch",
		RecommendedAction: "The app reports access without a live subscription; revoke or re-verify in the app backend.",
	},
	"identity_resolver": {
		Category:          "data_quality",
		RecommendedAction: "Review the flagged user records and merge them if they belong to the same person.",
	},
}

// MetaFor returns a detector's enrichment metadata, with a generic fallback
// for detector ids registered after this table was written.
func MetaFor(detectorID string) DetectorMeta {
	if meta, ok := detectorMeta[detectorID]; ok {
		return meta
	}
	return DetectorMeta{
		Category:          "billing_health",
		RecommendedAction: "Investigate the issue evidence and reconcile against the provider.",
	}
}
