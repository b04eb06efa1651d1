// Package plugin provides the hook system of the billing engine.
// Plugins implement any subset of the hook interfaces below; the registry
// discovers them by type assertion at registration time.
package plugin

import (
	"context"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. b is the *billing.Billing engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, b interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionProvisioned is called when a record is created for a user,
// whether by subscribe, one-time payment or admin provisioning.
type OnSubscriptionProvisioned interface {
	Plugin
	OnSubscriptionProvisioned(ctx context.Context, rec *subscription.Record) error
}

// OnPlanChanged is called after the plan snapshot of a record is replaced.
type OnPlanChanged interface {
	Plugin
	OnPlanChanged(ctx context.Context, rec *subscription.Record, oldPlanID string) error
}

// OnSubscriptionCanceled is called after a cancellation is applied.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, rec *subscription.Record) error
}

// OnSubscriptionReconciled is called when a processor event was applied.
type OnSubscriptionReconciled interface {
	Plugin
	OnSubscriptionReconciled(ctx context.Context, rec *subscription.Record, ev *event.Event) error
}

// OnEventOrphaned is called for events that reference no known record.
type OnEventOrphaned interface {
	Plugin
	OnEventOrphaned(ctx context.Context, ev *event.Event) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked is called after every access decision.
type OnEntitlementChecked interface {
	Plugin
	OnEntitlementChecked(ctx context.Context, userID string, result *entitlement.Result) error
}

// OnCreditConsumed is called after a lesson credit is consumed.
type OnCreditConsumed interface {
	Plugin
	OnCreditConsumed(ctx context.Context, rec *subscription.Record) error
}

// OnLimitReached is called when a consume is refused for lack of credit.
type OnLimitReached interface {
	Plugin
	OnLimitReached(ctx context.Context, userID string) error
}

// ──────────────────────────────────────────────────
// Overage hooks
// ──────────────────────────────────────────────────

// OnOveragePurchased is called once per purchase, after its credits land.
type OnOveragePurchased interface {
	Plugin
	OnOveragePurchased(ctx context.Context, p *overage.Purchase, rec *subscription.Record) error
}

// OnOverageFailed is called when the processor refuses an overage charge.
type OnOverageFailed interface {
	Plugin
	OnOverageFailed(ctx context.Context, p *overage.Purchase, cause error) error
}

// ──────────────────────────────────────────────────
// Processor hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called for every verified processor notification
// before it is reconciled.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, provider string, ev *event.Event) error
}
