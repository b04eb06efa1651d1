// Package stripeprovider implements provider.Provider on the Stripe API.
package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/types"
)

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.WebhookParser = (*Provider)(nil)
)

// Config holds Stripe credentials.
type Config struct {
	APIKey        string
	WebhookSecret string
	// SkipVerification accepts unsigned webhook payloads. Local development only.
	SkipVerification bool
	// Tolerance bounds the age of a webhook signature timestamp.
	Tolerance time.Duration
}

// Provider talks to Stripe through a dedicated client, so several providers
// with different keys can coexist in one process.
type Provider struct {
	api    *client.API
	cfg    Config
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBackends routes API calls through custom backends (tests, proxies).
func WithBackends(b *stripe.Backends) Option {
	return func(p *Provider) { p.api = client.New(p.cfg.APIKey, b) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Stripe provider.
func New(cfg Config, opts ...Option) *Provider {
	p := &Provider{
		api:    client.New(cfg.APIKey, nil),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "stripe" }

// CreateCustomer creates a Stripe customer tagged with the user id.
func (p *Provider) CreateCustomer(_ context.Context, req provider.CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": req.UserID},
	}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	params.SetIdempotencyKey("customer-" + req.UserID)

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", describe(err))
	}
	return c.ID, nil
}

// CreateSubscription starts a subscription on a single price.
func (p *Provider) CreateSubscription(_ context.Context, req provider.SubscriptionRequest) (*provider.SubscriptionState, error) {
	if req.PriceRef == "" {
		return nil, fmt.Errorf("stripe: no price configured for plan %q", req.PlanID)
	}
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef)},
		},
		Metadata: map[string]string{"user_id": req.UserID, "plan_id": req.PlanID},
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := p.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create subscription: %w", describe(err))
	}
	return stateOf(sub), nil
}

// ChangePlan replaces the subscription's single item price.
func (p *Provider) ChangePlan(_ context.Context, subscriptionRef, priceRef string) (*provider.SubscriptionState, error) {
	current, err := p.api.Subscriptions.Get(subscriptionRef, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription: %w", describe(err))
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("stripe: subscription %s has no items", subscriptionRef)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(priceRef)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	sub, err := p.api.Subscriptions.Update(subscriptionRef, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: change plan: %w", describe(err))
	}
	return stateOf(sub), nil
}

// CancelSubscription cancels immediately or sets cancel_at_period_end.
func (p *Provider) CancelSubscription(_ context.Context, subscriptionRef string, atPeriodEnd bool) (*provider.SubscriptionState, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		sub, err = p.api.Subscriptions.Update(subscriptionRef, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		sub, err = p.api.Subscriptions.Cancel(subscriptionRef, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		return nil, fmt.Errorf("stripe: cancel subscription: %w", describe(err))
	}
	return stateOf(sub), nil
}

// ChargeOverage bills a one-off invoice and pays it with the customer's
// default payment method. Each Stripe call carries a key derived from the
// request key, so a retry after a crash resumes the same invoice.
func (p *Provider) ChargeOverage(_ context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	if req.CustomerRef == "" {
		return nil, errors.New("stripe: no customer on file")
	}

	invParams := &stripe.InvoiceParams{
		Customer:                    stripe.String(req.CustomerRef),
		AutoAdvance:                 stripe.Bool(false),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Description:                 stripe.String(req.Description),
		Metadata: map[string]string{
			"billing_kind": "overage",
			"user_id":      req.UserID,
			"units":        fmt.Sprintf("%d", req.Units),
		},
	}
	invParams.SetIdempotencyKey(req.IdempotencyKey + "-invoice")
	inv, err := p.api.Invoices.New(invParams)
	if err != nil {
		return nil, fmt.Errorf("stripe: create invoice: %w", describe(err))
	}

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(req.CustomerRef),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(req.Amount.Amount),
		Currency:    stripe.String(req.Amount.Currency),
		Description: stripe.String(req.Description),
	}
	itemParams.SetIdempotencyKey(req.IdempotencyKey + "-item")
	if _, err := p.api.InvoiceItems.New(itemParams); err != nil {
		return nil, fmt.Errorf("stripe: add invoice item: %w", describe(err))
	}

	if inv.Status == stripe.InvoiceStatusDraft {
		finParams := &stripe.InvoiceFinalizeInvoiceParams{}
		finParams.SetIdempotencyKey(req.IdempotencyKey + "-finalize")
		if inv, err = p.api.Invoices.FinalizeInvoice(inv.ID, finParams); err != nil {
			return nil, fmt.Errorf("stripe: finalize invoice: %w", describe(err))
		}
	}

	if inv.Status != stripe.InvoiceStatusPaid {
		payParams := &stripe.InvoicePayParams{}
		payParams.SetIdempotencyKey(req.IdempotencyKey + "-pay")
		if inv, err = p.api.Invoices.Pay(inv.ID, payParams); err != nil {
			return nil, fmt.Errorf("stripe: pay invoice: %w", describe(err))
		}
	}
	if inv.Status != stripe.InvoiceStatusPaid {
		return nil, fmt.Errorf("stripe: invoice %s ended in status %s", inv.ID, inv.Status)
	}

	p.logger.Debug("stripe overage charged", "invoice", inv.ID, "amount", inv.AmountPaid)
	return &provider.ChargeResult{
		Ref:    inv.ID,
		Amount: types.New(inv.AmountPaid, string(inv.Currency)),
	}, nil
}

func stateOf(sub *stripe.Subscription) *provider.SubscriptionState {
	st := &provider.SubscriptionState{
		SubscriptionRef:   sub.ID,
		Status:            provider.NormalizeStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		st.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		st.CurrentPeriodStart = unix(item.CurrentPeriodStart)
		st.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
		if item.Price != nil {
			st.PriceRef = item.Price.ID
		}
	}
	return st
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// describe keeps Stripe's human message and code in the error text.
func describe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%s (code=%s status=%d): %w", se.Msg, se.Code, se.HTTPStatusCode, err)
	}
	return err
}
