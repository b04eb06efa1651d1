package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// HandleWebhook verifies and decodes a processor notification, then
// reconciles it. Signature failures return ErrWebhookSignature; malformed
// payloads return ErrInvalidRequest. The decoded event is returned whenever
// decoding succeeded, even if reconciliation failed.
func (b *Billing) HandleWebhook(ctx context.Context, payload []byte, signature string) (*event.Event, event.Outcome, error) {
	if b.webhooks == nil {
		return nil, "", ErrProviderNotConfigured
	}

	ev, err := b.webhooks.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, provider.ErrSignature) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	providerName := "webhook"
	if b.provider != nil {
		providerName = b.provider.Name()
	}
	b.plugins.EmitWebhookReceived(ctx, providerName, ev)

	outcome, err := b.Reconcile(ctx, ev)
	return ev, outcome, err
}

// Reconcile applies a processor event to the local record. Every effect is
// an overwrite of processor-owned fields guarded by the event timestamp, so
// replayed and reordered deliveries converge on the newest state. Lesson
// counters are never touched here.
func (b *Billing) Reconcile(ctx context.Context, ev *event.Event) (event.Outcome, error) {
	if ev == nil {
		return "", ValidationError{Field: "event", Message: "is required"}
	}
	if ev.OccurredAt.IsZero() {
		stamped := *ev
		stamped.OccurredAt = b.now()
		ev = &stamped
	}

	switch ev.Kind {
	case event.KindSubscriptionChanged:
		return b.reconcileSubscription(ctx, ev)
	case event.KindInvoicePaid:
		return b.reconcileStatus(ctx, ev, subscription.StatusActive)
	case event.KindInvoicePaymentFailed:
		return b.reconcileStatus(ctx, ev, subscription.StatusPastDue)
	case event.KindPaymentSucceeded:
		return b.reconcilePayment(ctx, ev)
	default:
		b.logger.Debug("billing event ignored", "event_id", ev.ID, "type", ev.Type)
		return event.OutcomeIgnored, nil
	}
}

func (b *Billing) reconcileSubscription(ctx context.Context, ev *event.Event) (event.Outcome, error) {
	rec, ok, err := b.recordForEvent(ctx, ev)
	if !ok {
		return event.OutcomeOrphaned, err
	}

	state := subscription.ProcessorState{
		Status:              provider.NormalizeStatus(ev.Status),
		CurrentPeriodStart:  ev.CurrentPeriodStart,
		CurrentPeriodEnd:    ev.CurrentPeriodEnd,
		CancelAtPeriodEnd:   ptr(ev.CancelAtPeriodEnd),
		ExternalCustomerRef: ev.ExternalCustomerRef,
		OccurredAt:          ev.OccurredAt,
	}
	if p, found := b.resolvePlan(ev); found && p.ID != rec.Plan.ID {
		state.Plan = &p
	}
	return b.apply(ctx, rec, ev, state)
}

func (b *Billing) reconcileStatus(ctx context.Context, ev *event.Event, status subscription.Status) (event.Outcome, error) {
	rec, ok, err := b.recordForEvent(ctx, ev)
	if !ok {
		return event.OutcomeOrphaned, err
	}
	return b.apply(ctx, rec, ev, subscription.ProcessorState{
		Status:     status,
		OccurredAt: ev.OccurredAt,
	})
}

// reconcilePayment grants the paid plan for one period starting at the
// payment. The record is created if the user has none; a payment already
// applied is a no-op.
func (b *Billing) reconcilePayment(ctx context.Context, ev *event.Event) (event.Outcome, error) {
	if ev.UserID == "" {
		return "", ValidationError{Field: "userId", Message: "payment event carries no user"}
	}
	p, found := b.resolvePlan(ev)
	if !found {
		return "", ValidationError{Field: "planId", Message: fmt.Sprintf("payment event names unknown plan %q", ev.PlanID)}
	}

	state := subscription.ProcessorState{
		Status:              subscription.StatusActive,
		CurrentPeriodStart:  ev.OccurredAt,
		CurrentPeriodEnd:    p.PeriodEnd(ev.OccurredAt),
		Plan:                &p,
		ExternalCustomerRef: ev.ExternalCustomerRef,
		PaymentRef:          ev.PaymentRef,
		OccurredAt:          ev.OccurredAt,
	}

	rec := &subscription.Record{
		Entity: types.NewEntity(),
		ID:     id.NewSubscriptionID(),
		UserID: ev.UserID,
	}
	rec.Apply(state)

	stored, created, err := b.store.CreateSubscription(ctx, rec)
	if err != nil {
		return "", err
	}
	if created {
		b.logger.Info("subscription provisioned from payment",
			"user_id", ev.UserID,
			"plan", p.ID,
			"event_id", ev.ID,
		)
		b.invalidate(ctx, ev.UserID)
		b.plugins.EmitSubscriptionProvisioned(ctx, stored)
		return event.OutcomeApplied, nil
	}
	return b.apply(ctx, stored, ev, state)
}

// recordForEvent finds the record an event refers to. ok is false when the
// event is orphaned or the lookup failed; err is nil for orphans.
func (b *Billing) recordForEvent(ctx context.Context, ev *event.Event) (*subscription.Record, bool, error) {
	if ev.ExternalSubscriptionRef == "" {
		b.logger.Warn("billing event without subscription reference", "event_id", ev.ID, "type", ev.Type)
		b.plugins.EmitEventOrphaned(ctx, ev)
		return nil, false, nil
	}
	rec, err := b.store.GetSubscriptionByExternalRef(ctx, ev.ExternalSubscriptionRef)
	if errors.Is(err, ErrNoSubscription) {
		b.logger.Warn("billing event for unknown subscription",
			"event_id", ev.ID,
			"type", ev.Type,
			"external_subscription_ref", ev.ExternalSubscriptionRef,
		)
		b.plugins.EmitEventOrphaned(ctx, ev)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (b *Billing) apply(ctx context.Context, rec *subscription.Record, ev *event.Event, state subscription.ProcessorState) (event.Outcome, error) {
	updated, applied, err := b.store.ApplyProcessorState(ctx, rec.ID, state)
	if err != nil {
		return "", err
	}
	if !applied {
		b.logger.Debug("stale billing event skipped",
			"event_id", ev.ID,
			"type", ev.Type,
			"occurred_at", ev.OccurredAt,
			"subscription_id", rec.ID.String(),
		)
		return event.OutcomeStale, nil
	}

	b.logger.Info("subscription reconciled",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"user_id", updated.UserID,
		"status", updated.Status,
		"plan", updated.Plan.ID,
	)
	b.invalidate(ctx, updated.UserID)
	b.plugins.EmitSubscriptionReconciled(ctx, updated, ev)
	if updated.Plan.ID != rec.Plan.ID {
		b.plugins.EmitPlanChanged(ctx, updated, rec.Plan.ID)
	}
	if updated.Status == subscription.StatusCanceled && rec.Status != subscription.StatusCanceled {
		b.plugins.EmitSubscriptionCanceled(ctx, updated)
	}
	return event.OutcomeApplied, nil
}

// resolvePlan finds the plan an event names, by plan id first and then by
// processor price.
func (b *Billing) resolvePlan(ev *event.Event) (plan.Plan, bool) {
	if ev.PlanID != "" && ev.PlanID != plan.AdminPlanID {
		if p, err := b.catalog.Get(ev.PlanID); err == nil {
			return p, true
		}
	}
	if ev.PriceRef != "" {
		if p, err := b.catalog.ByProcessorPrice(ev.PriceRef); err == nil {
			return p, true
		}
		b.logger.Warn("billing event names unknown price", "event_id", ev.ID, "price_ref", ev.PriceRef)
	}
	return plan.Plan{}, false
}
