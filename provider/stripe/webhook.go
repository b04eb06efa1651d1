package stripeprovider

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/provider"
)

// Metadata keys read from checkout sessions and payment intents.
const (
	MetaUserID = "user_id"
	MetaPlanID = "plan_id"
)

// Payloads are decoded into these narrow shapes instead of the SDK types so
// that both string and expanded forms of related objects are accepted, and
// so period bounds can be read from either the subscription or its items.
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           json.RawMessage   `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID           string            `json:"id"`
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type checkoutObject struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      json.RawMessage   `json:"customer"`
	Subscription  json.RawMessage   `json:"subscription"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type paymentIntentObject struct {
	ID       string            `json:"id"`
	Customer json.RawMessage   `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
// Types the engine does not act on come back as event.KindUnknown.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*event.Event, error) {
	var (
		raw stripe.Event
		err error
	)
	if p.cfg.SkipVerification {
		err = json.Unmarshal(payload, &raw)
		if err != nil {
			return nil, fmt.Errorf("stripe: decode event: %w", err)
		}
	} else {
		raw, err = webhook.ConstructEventWithOptions(payload, signature, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
			Tolerance:                p.cfg.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrSignature, err)
		}
	}
	return normalize(raw)
}

func normalize(raw stripe.Event) (*event.Event, error) {
	ev := &event.Event{
		ID:         raw.ID,
		Type:       string(raw.Type),
		Kind:       event.KindUnknown,
		OccurredAt: time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Data == nil {
		return ev, nil
	}
	obj := raw.Data.Raw

	switch ev.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscriptionObject
		if err := json.Unmarshal(obj, &sub); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		ev.Kind = event.KindSubscriptionChanged
		ev.ExternalSubscriptionRef = sub.ID
		ev.ExternalCustomerRef = expandableID(sub.Customer)
		ev.Status = sub.Status
		ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		ev.CurrentPeriodStart = unix(sub.CurrentPeriodStart)
		ev.CurrentPeriodEnd = unix(sub.CurrentPeriodEnd)
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			ev.PriceRef = item.Price.ID
			if ev.CurrentPeriodStart.IsZero() {
				ev.CurrentPeriodStart = unix(item.CurrentPeriodStart)
				ev.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
			}
		}
		ev.UserID = sub.Metadata[MetaUserID]

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv invoiceObject
		if err := json.Unmarshal(obj, &inv); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		subRef := expandableID(inv.Subscription)
		if subRef == "" {
			subRef = expandableID(inv.Parent.SubscriptionDetails.Subscription)
		}
		// one-off overage invoices carry no subscription
		if subRef == "" {
			return ev, nil
		}
		ev.ExternalSubscriptionRef = subRef
		ev.ExternalCustomerRef = expandableID(inv.Customer)
		ev.PaymentRef = inv.ID
		if ev.Type == "invoice.payment_failed" {
			ev.Kind = event.KindInvoicePaymentFailed
		} else {
			ev.Kind = event.KindInvoicePaid
		}

	case "checkout.session.completed":
		var cs checkoutObject
		if err := json.Unmarshal(obj, &cs); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		if cs.PaymentStatus != "paid" && cs.PaymentStatus != "no_payment_required" {
			return ev, nil
		}
		ev.Kind = event.KindPaymentSucceeded
		ev.UserID = cs.Metadata[MetaUserID]
		ev.PlanID = cs.Metadata[MetaPlanID]
		ev.ExternalCustomerRef = expandableID(cs.Customer)
		ev.ExternalSubscriptionRef = expandableID(cs.Subscription)
		ev.PaymentRef = expandableID(cs.PaymentIntent)
		if ev.PaymentRef == "" {
			ev.PaymentRef = cs.ID
		}

	case "payment_intent.succeeded":
		var pi paymentIntentObject
		if err := json.Unmarshal(obj, &pi); err != nil {
			return nil, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		// only intents created for plan purchases carry a plan id
		if pi.Metadata[MetaPlanID] == "" {
			return ev, nil
		}
		ev.Kind = event.KindPaymentSucceeded
		ev.UserID = pi.Metadata[MetaUserID]
		ev.PlanID = pi.Metadata[MetaPlanID]
		ev.ExternalCustomerRef = expandableID(pi.Customer)
		ev.PaymentRef = pi.ID
	}
	return ev, nil
}

func expandableID(data json.RawMessage) string {
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	if id, ok := stripe.ParseID(data); ok {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return obj.ID
}
