// Package event defines the processor-neutral form of billing notifications.
package event

import "time"

type Kind string

const (
	KindSubscriptionChanged  Kind = "subscription_changed"
	KindInvoicePaid          Kind = "invoice_paid"
	KindInvoicePaymentFailed Kind = "invoice_payment_failed"
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindUnknown              Kind = "unknown"
)

// Event is a decoded processor notification. Only the fields relevant to
// its Kind are set.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`

	ExternalSubscriptionRef string `json:"externalSubscriptionRef,omitempty"`
	ExternalCustomerRef     string `json:"externalCustomerRef,omitempty"`

	// subscription_changed
	Status             string    `json:"status,omitempty"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool      `json:"cancelAtPeriodEnd,omitempty"`
	PriceRef           string    `json:"priceRef,omitempty"`

	// payment_succeeded
	UserID     string `json:"userId,omitempty"`
	PlanID     string `json:"planId,omitempty"`
	PaymentRef string `json:"paymentRef,omitempty"`
}

// Outcome describes what reconciliation did with an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeStale    Outcome = "stale"
	OutcomeOrphaned Outcome = "orphaned"
	OutcomeIgnored  Outcome = "ignored"
)
