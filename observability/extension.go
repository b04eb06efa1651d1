// Package observability provides a metrics plugin for the billing engine
// that counts lifecycle events through a MetricFactory.
package observability

import (
	"context"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plugin"
	"github.com/dramaplan/billing/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionProvisioned = (*MetricsExtension)(nil)
	_ plugin.OnPlanChanged             = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionReconciled  = (*MetricsExtension)(nil)
	_ plugin.OnEventOrphaned           = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked      = (*MetricsExtension)(nil)
	_ plugin.OnCreditConsumed          = (*MetricsExtension)(nil)
	_ plugin.OnLimitReached            = (*MetricsExtension)(nil)
	_ plugin.OnOveragePurchased        = (*MetricsExtension)(nil)
	_ plugin.OnOverageFailed           = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics. Names are dot-separated, e.g.
// "billing.credits.consumed".
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records billing lifecycle metrics.
type MetricsExtension struct {
	// Subscription metrics
	SubscriptionProvisioned Counter
	PlanChanged             Counter
	SubscriptionCanceled    Counter
	SubscriptionReconciled  Counter
	EventsOrphaned          Counter

	// Entitlement metrics
	EntitlementChecks Counter
	EntitlementDenied Counter
	CreditsConsumed   Counter
	LimitReached      Counter

	// Overage metrics
	OveragePurchased Counter
	OverageUnits     Counter
	OverageAmount    Histogram
	OverageFailed    Counter

	// Processor metrics
	WebhookReceived Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		SubscriptionProvisioned: factory.Counter("billing.subscription.provisioned"),
		PlanChanged:             factory.Counter("billing.subscription.plan_changed"),
		SubscriptionCanceled:    factory.Counter("billing.subscription.canceled"),
		SubscriptionReconciled:  factory.Counter("billing.subscription.reconciled"),
		EventsOrphaned:          factory.Counter("billing.events.orphaned"),

		EntitlementChecks: factory.Counter("billing.entitlement.checks"),
		EntitlementDenied: factory.Counter("billing.entitlement.denied"),
		CreditsConsumed:   factory.Counter("billing.credits.consumed"),
		LimitReached:      factory.Counter("billing.credits.limit_reached"),

		OveragePurchased: factory.Counter("billing.overage.purchased"),
		OverageUnits:     factory.Counter("billing.overage.units"),
		OverageAmount:    factory.Histogram("billing.overage.amount_minor"),
		OverageFailed:    factory.Counter("billing.overage.failed"),

		WebhookReceived: factory.Counter("billing.webhook.received"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionProvisioned(context.Context, *subscription.Record) error {
	m.SubscriptionProvisioned.Inc()
	return nil
}

func (m *MetricsExtension) OnPlanChanged(context.Context, *subscription.Record, string) error {
	m.PlanChanged.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionCanceled(context.Context, *subscription.Record) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionReconciled(context.Context, *subscription.Record, *event.Event) error {
	m.SubscriptionReconciled.Inc()
	return nil
}

func (m *MetricsExtension) OnEventOrphaned(context.Context, *event.Event) error {
	m.EventsOrphaned.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, _ string, result *entitlement.Result) error {
	m.EntitlementChecks.Inc()
	if result != nil && !result.CanGenerate {
		m.EntitlementDenied.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnCreditConsumed(context.Context, *subscription.Record) error {
	m.CreditsConsumed.Inc()
	return nil
}

func (m *MetricsExtension) OnLimitReached(context.Context, string) error {
	m.LimitReached.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Overage hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnOveragePurchased(_ context.Context, p *overage.Purchase, _ *subscription.Record) error {
	m.OveragePurchased.Inc()
	m.OverageUnits.Add(float64(p.Units))
	m.OverageAmount.Observe(float64(p.Amount.Amount))
	return nil
}

func (m *MetricsExtension) OnOverageFailed(context.Context, *overage.Purchase, error) error {
	m.OverageFailed.Inc()
	return nil
}

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(context.Context, string, *event.Event) error {
	m.WebhookReceived.Inc()
	return nil
}
