package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated  = "plan.created"
	ActionPlanArchived = "plan.archived"

	// Subscription actions
	ActionSubscriptionCreated    = "subscription.created"
	ActionSubscriptionUpgraded   = "subscription.upgraded"
	ActionSubscriptionDowngraded = "subscription.downgraded"
	ActionSubscriptionChanged    = "subscription.changed"
	ActionSubscriptionRenewed    = "subscription.renewed"
	ActionSubscriptionCanceled   = "subscription.canceled"
	ActionSubscriptionExpired    = "subscription.expired"

	// Decision actions
	ActionDecisionDenied = "decision.denied"
	ActionQuotaExceeded  = "quota.exceeded"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceSubscription = "subscription"
	ResourceMeter        = "meter"
)

// Category constants for audit events.
const (
	CategoryCatalog      = "catalog"
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
