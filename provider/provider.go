// Package provider defines the contract with the external billing processor.
//
// The engine never talks to a processor SDK directly. Adapters translate
// between the processor's objects and the types here, and report failures
// as plain errors that the engine wraps as external billing failures.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// ErrSignature is returned by WebhookParser when the payload signature does
// not verify.
var ErrSignature = errors.New("billing: webhook signature verification failed")

// Provider performs billing operations at the processor.
type Provider interface {
	Name() string
	// CreateCustomer registers the user at the processor and returns its customer reference.
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	// CreateSubscription starts a recurring subscription on a processor price.
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionState, error)
	// ChangePlan swaps the subscription's price.
	ChangePlan(ctx context.Context, subscriptionRef, priceRef string) (*SubscriptionState, error)
	// CancelSubscription cancels now, or flags cancellation at period end.
	CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) (*SubscriptionState, error)
	// ChargeOverage collects a one-off amount. Calls repeated with the same
	// IdempotencyKey must return the original charge instead of charging again.
	ChargeOverage(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// WebhookParser verifies and decodes processor notifications.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*event.Event, error)
}

type CustomerRequest struct {
	UserID string
	Email  string
}

type SubscriptionRequest struct {
	UserID         string
	CustomerRef    string
	PlanID         string
	PriceRef       string
	IdempotencyKey string
}

// SubscriptionState is the processor's view of a subscription after a call.
// ObservedAt is the processor's own timestamp when it reports one; zero means
// the engine stamps the state with its clock.
type SubscriptionState struct {
	CustomerRef        string
	SubscriptionRef    string
	Status             subscription.Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	PriceRef           string
	ObservedAt         time.Time
}

type ChargeRequest struct {
	IdempotencyKey string
	CustomerRef    string
	UserID         string
	Units          int64
	Amount         types.Money
	Description    string
}

type ChargeResult struct {
	Ref    string
	Amount types.Money
}
