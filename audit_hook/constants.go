package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionProvisioned = "subscription.provisioned"
	ActionPlanChanged             = "subscription.plan_changed"
	ActionSubscriptionCanceled    = "subscription.canceled"
	ActionSubscriptionReconciled  = "subscription.reconciled"
	ActionEventOrphaned           = "webhook.orphaned"

	// Entitlement actions
	ActionEntitlementDenied = "entitlement.denied"
	ActionCreditConsumed    = "credit.consumed"
	ActionLimitReached      = "credit.limit_reached"

	// Overage actions
	ActionOveragePurchased = "overage.purchased"
	ActionOverageFailed    = "overage.failed"

	// Processor actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceEntitlement  = "entitlement"
	ResourcePurchase     = "overage_purchase"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
