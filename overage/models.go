package overage

import (
	"time"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/types"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Purchase records one overage charge. It is reserved before the processor
// is called and keyed by (UserID, IdempotencyKey), so a retried request
// finds the earlier attempt instead of charging again.
type Purchase struct {
	types.Entity
	ID             id.PurchaseID     `json:"id"`
	UserID         string            `json:"userId"`
	SubscriptionID id.SubscriptionID `json:"subscriptionId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Units          int64             `json:"units"`
	UnitPrice      types.Money       `json:"unitPrice"`
	Amount         types.Money       `json:"amount"`
	Status         Status            `json:"status"`
	ProcessorRef   string            `json:"processorRef,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	PaidAt         *time.Time        `json:"paidAt,omitempty"`
}

// ProcessorKey is the idempotency key sent to the billing processor. It is
// derived from the purchase id so every retry of a purchase reuses it.
func (p *Purchase) ProcessorKey() string {
	return "overage-" + p.ID.String()
}
