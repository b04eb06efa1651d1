package overage

import (
	"context"
	"time"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/subscription"
)

type Store interface {
	// ReservePurchase inserts p as pending, or returns the purchase already
	// holding p's idempotency key with created=false.
	ReservePurchase(ctx context.Context, p *Purchase) (stored *Purchase, created bool, err error)
	GetPurchase(ctx context.Context, purchaseID id.PurchaseID) (*Purchase, error)
	// CompletePurchase marks a pending purchase paid and credits its units and
	// amount to the subscription in one atomic step. Completing a purchase
	// that is already paid returns the record unchanged.
	CompletePurchase(ctx context.Context, purchaseID id.PurchaseID, processorRef string) (*subscription.Record, error)
	FailPurchase(ctx context.Context, purchaseID id.PurchaseID, reason string) error
	ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*Purchase, error)
	ListPurchases(ctx context.Context, userID string, opts ListOpts) ([]*Purchase, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
