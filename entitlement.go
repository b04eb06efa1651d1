package billing

import (
	"context"
	"errors"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// Role is the caller's role as established by the authentication layer.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type roleKey struct{}

// WithRole returns a context carrying the caller's role.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the caller's role, RoleUser when none was set.
func RoleFromContext(ctx context.Context) Role {
	if r, ok := ctx.Value(roleKey{}).(Role); ok && r != "" {
		return r
	}
	return RoleUser
}

func isAdmin(ctx context.Context) bool {
	return RoleFromContext(ctx) == RoleAdmin
}

// CheckAccess reports whether userID may generate a lesson now. A missing
// record is a denial, not an error. Administrators without a record get one
// provisioned on the unlimited admin plan.
func (b *Billing) CheckAccess(ctx context.Context, userID string) (*entitlement.Result, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	if res := b.cachedResult(ctx, userID); res != nil {
		b.plugins.EmitEntitlementChecked(ctx, userID, res)
		return res, nil
	}

	// Taken before the read so a mutation landing in between keeps the
	// result out of the cache.
	gen, cacheable := b.cacheGeneration(ctx, userID)

	rec, err := b.store.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNoSubscription) && isAdmin(ctx) {
		rec, err = b.provisionAdmin(ctx, userID)
	}
	if err != nil && !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}

	res := entitlement.Evaluate(rec)
	if rec != nil && cacheable {
		// A missing record is not cached: the same user may call again as an
		// administrator and must see a provisioned record.
		b.storeResult(ctx, userID, gen, res)
	}

	b.plugins.EmitEntitlementChecked(ctx, userID, res)
	return res, nil
}

// ConsumeCredit records one generated lesson. It is a single conditional
// write in the store: two concurrent calls on the last credit yield exactly
// one success. It never reads the entitlement cache.
func (b *Billing) ConsumeCredit(ctx context.Context, userID string) (*subscription.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	rec, err := b.store.ConsumeCredit(ctx, userID)
	if errors.Is(err, ErrNoSubscription) && isAdmin(ctx) {
		if _, err = b.provisionAdmin(ctx, userID); err != nil {
			return nil, err
		}
		rec, err = b.store.ConsumeCredit(ctx, userID)
	}
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			b.plugins.EmitLimitReached(ctx, userID)
		}
		return nil, err
	}

	b.invalidate(ctx, userID)
	b.plugins.EmitCreditConsumed(ctx, rec)
	return rec, nil
}

// provisionAdmin creates the admin record unless one already exists. Two
// concurrent callers observe the same record.
func (b *Billing) provisionAdmin(ctx context.Context, userID string) (*subscription.Record, error) {
	now := b.now()
	admin := plan.Admin()
	rec := &subscription.Record{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		UserID:             userID,
		Status:             subscription.StatusActive,
		Plan:               admin,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   admin.PeriodEnd(now),
	}

	stored, created, err := b.store.CreateSubscription(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		b.logger.Info("admin subscription provisioned", "user_id", userID, "subscription_id", stored.ID.String())
		b.invalidate(ctx, userID)
		b.plugins.EmitSubscriptionProvisioned(ctx, stored)
	}
	return stored, nil
}
