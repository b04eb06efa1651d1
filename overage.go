package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// MaxIdempotencyKeyLength is the longest accepted client request token.
const MaxIdempotencyKeyLength = 255

// PurchaseRequest buys additional lesson credits beyond the plan quota.
type PurchaseRequest struct {
	UserID         string `json:"userId" validate:"required"`
	Units          int64  `json:"unitCount" validate:"gte=1"`
	IdempotencyKey string `json:"requestToken" validate:"required,max=255"`
}

// Validate checks the request shape.
func (r PurchaseRequest) Validate() error {
	switch {
	case r.UserID == "":
		return ValidationError{Field: "userId", Message: "is required"}
	case r.Units < 1:
		return ValidationError{Field: "unitCount", Message: "must be at least 1"}
	case r.IdempotencyKey == "":
		return ValidationError{Field: "requestToken", Message: "is required"}
	case len(r.IdempotencyKey) > MaxIdempotencyKeyLength:
		return ValidationError{Field: "requestToken", Message: fmt.Sprintf("must be at most %d characters", MaxIdempotencyKeyLength)}
	}
	return nil
}

// PurchaseOverage charges for req.Units extra lessons and credits them once
// the processor confirms. The purchase is reserved under the request's
// idempotency key before the processor is called, so a retried request
// either returns the completed purchase or resumes the same charge.
func (b *Billing) PurchaseOverage(ctx context.Context, req PurchaseRequest) (*subscription.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if b.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	rec, err := b.store.GetSubscriptionByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !rec.Plan.AllowsOverage {
		return nil, fmt.Errorf("%w: plan %s", ErrOverageNotAllowed, rec.Plan.ID)
	}
	if rec.Status != subscription.StatusActive {
		return nil, ErrSubscriptionInactive
	}

	amount, err := rec.Plan.OverageUnitPrice.Times(req.Units)
	if err != nil {
		return nil, err
	}

	p := &overage.Purchase{
		Entity:         types.NewEntity(),
		ID:             id.NewPurchaseID(),
		UserID:         req.UserID,
		SubscriptionID: rec.ID,
		IdempotencyKey: req.IdempotencyKey,
		Units:          req.Units,
		UnitPrice:      rec.Plan.OverageUnitPrice,
		Amount:         amount,
		Status:         overage.StatusPending,
	}

	stored, created, err := b.store.ReservePurchase(ctx, p)
	if err != nil {
		return nil, err
	}
	if !created {
		if stored.Units != req.Units {
			return nil, ValidationError{Field: "requestToken", Message: "already used for a different purchase"}
		}
		switch stored.Status {
		case overage.StatusPaid:
			b.logger.Debug("overage purchase replayed", "purchase_id", stored.ID.String(), "user_id", req.UserID)
			return b.store.GetSubscriptionByUser(ctx, req.UserID)
		case overage.StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrExternalBillingFailure, stored.FailureReason)
		}
		b.logger.Info("resuming pending overage purchase", "purchase_id", stored.ID.String(), "user_id", req.UserID)
	}

	return b.settle(ctx, stored, rec.ExternalCustomerRef)
}

// ResumePurchase retries the processor charge of a pending purchase with its
// original idempotency key. Paid purchases return the current record; failed
// ones return ErrExternalBillingFailure.
func (b *Billing) ResumePurchase(ctx context.Context, purchaseID id.PurchaseID) (*subscription.Record, error) {
	if b.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	p, err := b.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	rec, err := b.store.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case overage.StatusPaid:
		return rec, nil
	case overage.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrExternalBillingFailure, p.FailureReason)
	}
	return b.settle(ctx, p, rec.ExternalCustomerRef)
}

// ListPurchases returns the user's overage purchases, newest first.
func (b *Billing) ListPurchases(ctx context.Context, userID string, opts overage.ListOpts) ([]*overage.Purchase, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	return b.store.ListPurchases(ctx, userID, opts)
}

// settle charges a reserved purchase and credits it on success. Counters are
// written only after the processor confirms.
func (b *Billing) settle(ctx context.Context, p *overage.Purchase, customerRef string) (*subscription.Record, error) {
	res, err := b.provider.ChargeOverage(ctx, provider.ChargeRequest{
		IdempotencyKey: p.ProcessorKey(),
		CustomerRef:    customerRef,
		UserID:         p.UserID,
		Units:          p.Units,
		Amount:         p.Amount,
		Description:    fmt.Sprintf("%d additional lessons", p.Units),
	})
	if err != nil {
		return nil, b.failPurchase(ctx, p, err)
	}

	rec, err := b.store.CompletePurchase(ctx, p.ID, res.Ref)
	if err != nil {
		b.logger.Error("overage charged but not credited",
			"purchase_id", p.ID.String(),
			"user_id", p.UserID,
			"processor_ref", res.Ref,
			"error", err,
		)
		return nil, fmt.Errorf("billing: credit overage purchase %s: %w", p.ID, err)
	}

	p.Status = overage.StatusPaid
	p.ProcessorRef = res.Ref

	b.logger.Info("overage purchased",
		"purchase_id", p.ID.String(),
		"user_id", p.UserID,
		"units", p.Units,
		"amount", p.Amount.String(),
	)
	b.invalidate(ctx, p.UserID)
	b.plugins.EmitOveragePurchased(ctx, p, rec)
	return rec, nil
}

// failPurchase records a refused charge. When the caller gave up before the
// processor answered, the outcome is unknown and the purchase stays pending
// for ResumePurchase.
func (b *Billing) failPurchase(ctx context.Context, p *overage.Purchase, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		b.logger.Warn("overage charge interrupted", "purchase_id", p.ID.String(), "error", cause)
		return fmt.Errorf("%w: %w", ErrExternalBillingFailure, cause)
	}

	if err := b.store.FailPurchase(ctx, p.ID, cause.Error()); err != nil {
		b.logger.Error("failed to record overage failure", "purchase_id", p.ID.String(), "error", err)
	}
	p.Status = overage.StatusFailed
	p.FailureReason = cause.Error()

	b.logger.Warn("overage charge failed",
		"purchase_id", p.ID.String(),
		"user_id", p.UserID,
		"error", cause,
	)
	b.plugins.EmitOverageFailed(ctx, p, cause)
	return fmt.Errorf("%w: %w", ErrExternalBillingFailure, cause)
}
