// Package mock is an in-memory Provider for tests and local development.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/subscription"
)

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.WebhookParser = (*Provider)(nil)
)

// Provider records calls and returns configurable results. Charges are
// deduplicated by idempotency key the way a real processor does.
type Provider struct {
	mu sync.Mutex

	// Customers maps userID -> customer ref.
	Customers map[string]string
	// Subscriptions maps subscription ref -> current state.
	Subscriptions map[string]*provider.SubscriptionState
	// Charges collects every distinct charge, in order.
	Charges []provider.ChargeRequest

	// Error fields allow tests to inject failures.
	CreateCustomerErr     error
	CreateSubscriptionErr error
	ChangePlanErr         error
	CancelSubscriptionErr error
	ChargeErr             error

	// Now is used for period bounds; defaults to time.Now.
	Now func() time.Time

	chargesByKey map[string]*provider.ChargeResult
	seq          int
}

func New() *Provider {
	return &Provider{
		Customers:     make(map[string]string),
		Subscriptions: make(map[string]*provider.SubscriptionState),
		chargesByKey:  make(map[string]*provider.ChargeResult),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) CreateCustomer(_ context.Context, req provider.CustomerRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateCustomerErr != nil {
		return "", p.CreateCustomerErr
	}
	p.seq++
	ref := fmt.Sprintf("cus_mock_%d", p.seq)
	p.Customers[req.UserID] = ref
	return ref, nil
}

func (p *Provider) CreateSubscription(_ context.Context, req provider.SubscriptionRequest) (*provider.SubscriptionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateSubscriptionErr != nil {
		return nil, p.CreateSubscriptionErr
	}
	p.seq++
	now := p.Now()
	st := &provider.SubscriptionState{
		CustomerRef:        req.CustomerRef,
		SubscriptionRef:    fmt.Sprintf("sub_mock_%d", p.seq),
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		PriceRef:           req.PriceRef,
		ObservedAt:         now,
	}
	p.Subscriptions[st.SubscriptionRef] = st
	cp := *st
	return &cp, nil
}

func (p *Provider) ChangePlan(_ context.Context, subscriptionRef, priceRef string) (*provider.SubscriptionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ChangePlanErr != nil {
		return nil, p.ChangePlanErr
	}
	st, ok := p.Subscriptions[subscriptionRef]
	if !ok {
		return nil, fmt.Errorf("mock: unknown subscription %s", subscriptionRef)
	}
	st.PriceRef = priceRef
	st.ObservedAt = p.Now()
	cp := *st
	return &cp, nil
}

func (p *Provider) CancelSubscription(_ context.Context, subscriptionRef string, atPeriodEnd bool) (*provider.SubscriptionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CancelSubscriptionErr != nil {
		return nil, p.CancelSubscriptionErr
	}
	st, ok := p.Subscriptions[subscriptionRef]
	if !ok {
		return nil, fmt.Errorf("mock: unknown subscription %s", subscriptionRef)
	}
	if atPeriodEnd {
		st.CancelAtPeriodEnd = true
	} else {
		st.Status = subscription.StatusCanceled
	}
	st.ObservedAt = p.Now()
	cp := *st
	return &cp, nil
}

func (p *Provider) ChargeOverage(_ context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.chargesByKey[req.IdempotencyKey]; ok {
		cp := *prior
		return &cp, nil
	}
	if p.ChargeErr != nil {
		return nil, p.ChargeErr
	}
	p.seq++
	res := &provider.ChargeResult{Ref: fmt.Sprintf("in_mock_%d", p.seq), Amount: req.Amount}
	p.chargesByKey[req.IdempotencyKey] = res
	p.Charges = append(p.Charges, req)
	cp := *res
	return &cp, nil
}

// ChargeCount returns the number of distinct charges made.
func (p *Provider) ChargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Charges)
}

// ParseWebhook accepts an event.Event encoded as JSON. The signature is
// ignored.
func (p *Provider) ParseWebhook(payload []byte, _ string) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("mock: decode webhook: %w", err)
	}
	if ev.Kind == "" {
		ev.Kind = event.KindUnknown
	}
	return &ev, nil
}
