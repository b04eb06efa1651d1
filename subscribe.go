package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// SubscribeRequest starts a plan for a user.
type SubscribeRequest struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	PlanID string `json:"planId" validate:"required"`
}

// ListPlans returns the purchasable plans ordered by price.
func (b *Billing) ListPlans() []plan.Plan {
	return b.catalog.List()
}

// GetSubscription returns the user's record.
func (b *Billing) GetSubscription(ctx context.Context, userID string) (*subscription.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	return b.store.GetSubscriptionByUser(ctx, userID)
}

// Subscribe puts the user on a recurring plan. Free plans are granted
// locally; paid plans create the customer and subscription at the processor
// first. Subscribing while a live processor subscription exists fails with
// ErrAlreadyExists; use ChangePlan instead.
func (b *Billing) Subscribe(ctx context.Context, req SubscribeRequest) (*subscription.Record, error) {
	if req.UserID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	p, err := b.subscribablePlan(req.PlanID)
	if err != nil {
		return nil, err
	}

	existing, err := b.store.GetSubscriptionByUser(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}
	if existing != nil && existing.ExternalSubscriptionRef != "" && !existing.Status.Terminal() {
		return nil, fmt.Errorf("%w: user %s already has subscription %s", ErrAlreadyExists, req.UserID, existing.ExternalSubscriptionRef)
	}

	now := b.now()
	state := subscription.ProcessorState{
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   p.PeriodEnd(now),
		CancelAtPeriodEnd:  ptr(false),
		Plan:               &p,
		OccurredAt:         now,
	}

	if p.Price.IsPositive() {
		if b.provider == nil {
			return nil, ErrProviderNotConfigured
		}
		customerRef := ""
		if existing != nil {
			customerRef = existing.ExternalCustomerRef
		}
		if customerRef == "" {
			customerRef, err = b.provider.CreateCustomer(ctx, provider.CustomerRequest{UserID: req.UserID, Email: req.Email})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrExternalBillingFailure, err)
			}
		}
		ps, err := b.provider.CreateSubscription(ctx, provider.SubscriptionRequest{
			UserID:      req.UserID,
			CustomerRef: customerRef,
			PlanID:      p.ID,
			PriceRef:    p.ProcessorPriceRef,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExternalBillingFailure, err)
		}
		state = b.stateFrom(ps, &p)
		if state.ExternalCustomerRef == "" {
			state.ExternalCustomerRef = customerRef
		}
	}

	if existing == nil {
		rec := &subscription.Record{
			Entity: types.NewEntity(),
			ID:     id.NewSubscriptionID(),
			UserID: req.UserID,
		}
		rec.Apply(state)
		stored, created, err := b.store.CreateSubscription(ctx, rec)
		if err != nil {
			return nil, err
		}
		if created {
			b.logger.Info("subscription created",
				"user_id", req.UserID,
				"plan", p.ID,
				"status", stored.Status,
			)
			b.invalidate(ctx, req.UserID)
			b.plugins.EmitSubscriptionProvisioned(ctx, stored)
			return stored, nil
		}
		// Lost a create race; fall through and overwrite the winner.
		existing = stored
	}

	updated, applied, err := b.store.ApplyProcessorState(ctx, existing.ID, state)
	if err != nil {
		return nil, err
	}
	if applied {
		b.logger.Info("subscription renewed",
			"user_id", req.UserID,
			"plan", p.ID,
			"previous_plan", existing.Plan.ID,
		)
		b.invalidate(ctx, req.UserID)
		b.plugins.EmitSubscriptionProvisioned(ctx, updated)
		if existing.Plan.ID != updated.Plan.ID {
			b.plugins.EmitPlanChanged(ctx, updated, existing.Plan.ID)
		}
	}
	return updated, nil
}

// ChangePlan moves a processor subscription to another plan. The new plan
// snapshot is taken now; counters are left as they are.
func (b *Billing) ChangePlan(ctx context.Context, userID, planID string) (*subscription.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	p, err := b.subscribablePlan(planID)
	if err != nil {
		return nil, err
	}

	rec, err := b.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Plan.ID == p.ID {
		return rec, nil
	}
	if rec.ExternalSubscriptionRef == "" || rec.Status.Terminal() {
		return nil, ValidationError{Field: "planId", Message: "no live processor subscription to change; subscribe instead"}
	}
	if p.ProcessorPriceRef == "" {
		return nil, ValidationError{Field: "planId", Message: "plan has no processor price"}
	}
	if b.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	ps, err := b.provider.ChangePlan(ctx, rec.ExternalSubscriptionRef, p.ProcessorPriceRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExternalBillingFailure, err)
	}

	updated, applied, err := b.store.ApplyProcessorState(ctx, rec.ID, b.stateFrom(ps, &p))
	if err != nil {
		return nil, err
	}
	if applied {
		b.logger.Info("plan changed", "user_id", userID, "from", rec.Plan.ID, "to", p.ID)
		b.invalidate(ctx, userID)
		b.plugins.EmitPlanChanged(ctx, updated, rec.Plan.ID)
	}
	return updated, nil
}

// CancelSubscription cancels the user's processor subscription, immediately
// or at the end of the current period. The processor's answer is applied
// through the same guarded overwrite as webhooks.
func (b *Billing) CancelSubscription(ctx context.Context, userID string, atPeriodEnd bool) (*subscription.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	rec, err := b.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalSubscriptionRef == "" {
		return nil, ValidationError{Field: "subscription", Message: "no processor subscription to cancel"}
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if b.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	ps, err := b.provider.CancelSubscription(ctx, rec.ExternalSubscriptionRef, atPeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExternalBillingFailure, err)
	}

	updated, applied, err := b.store.ApplyProcessorState(ctx, rec.ID, b.stateFrom(ps, nil))
	if err != nil {
		return nil, err
	}
	if applied {
		b.logger.Info("subscription canceled",
			"user_id", userID,
			"at_period_end", atPeriodEnd,
			"status", updated.Status,
		)
		b.invalidate(ctx, userID)
		b.plugins.EmitSubscriptionCanceled(ctx, updated)
	}
	return updated, nil
}

// subscribablePlan resolves a recurring catalog plan. The admin plan and
// one-time packs are not subscribable.
func (b *Billing) subscribablePlan(planID string) (plan.Plan, error) {
	if planID == "" {
		return plan.Plan{}, ValidationError{Field: "planId", Message: "is required"}
	}
	if planID == plan.AdminPlanID {
		return plan.Plan{}, ValidationError{Field: "planId", Message: "is reserved"}
	}
	p, err := b.catalog.Get(planID)
	if err != nil {
		return plan.Plan{}, err
	}
	if p.Interval == plan.IntervalOneTime {
		return plan.Plan{}, ValidationError{Field: "planId", Message: "is a one-time purchase"}
	}
	return p, nil
}

// stateFrom converts a processor answer into a guarded overwrite. p is nil
// when the call does not change the plan.
func (b *Billing) stateFrom(ps *provider.SubscriptionState, p *plan.Plan) subscription.ProcessorState {
	observed := ps.ObservedAt
	if observed.IsZero() {
		observed = b.now()
	}
	return subscription.ProcessorState{
		Status:                  ps.Status,
		CurrentPeriodStart:      ps.CurrentPeriodStart,
		CurrentPeriodEnd:        ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:       ptr(ps.CancelAtPeriodEnd),
		Plan:                    p,
		ExternalCustomerRef:     ps.CustomerRef,
		ExternalSubscriptionRef: ps.SubscriptionRef,
		OccurredAt:              observed,
	}
}

func ptr[T any](v T) *T { return &v }
