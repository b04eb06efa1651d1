package subscription

import (
	"context"

	"github.com/dramaplan/billing/id"
)

// Store persists subscription records. ConsumeCredit and ApplyProcessorState
// are single conditional writes; implementations must not split them into a
// read followed by a write.
type Store interface {
	// CreateSubscription inserts r unless the user already has a record, in
	// which case the existing record is returned with created=false.
	CreateSubscription(ctx context.Context, r *Record) (stored *Record, created bool, err error)
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Record, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (*Record, error)
	GetSubscriptionByExternalRef(ctx context.Context, externalRef string) (*Record, error)
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Record, error)
	ConsumeCredit(ctx context.Context, userID string) (*Record, error)
	ApplyProcessorState(ctx context.Context, subID id.SubscriptionID, state ProcessorState) (rec *Record, applied bool, err error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
