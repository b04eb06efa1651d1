package billing

import (
	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// Re-export common types for convenience so callers don't have to import
// the model packages for everyday use.

type (
	Money              = types.Money
	Plan               = plan.Plan
	SubscriptionRecord = subscription.Record
	Purchase           = overage.Purchase
	Result             = entitlement.Result
	Event              = event.Event
)

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	Zero = types.Zero
)

// Unlimited is the lesson quota of plans without a cap.
const Unlimited = plan.Unlimited
