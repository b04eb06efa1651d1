package stripeprovider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/provider"
	stripeprovider "github.com/dramaplan/billing/provider/stripe"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

const secret = "whsec_test"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func newWebhookProvider() *stripeprovider.Provider {
	return stripeprovider.New(stripeprovider.Config{APIKey: "sk_test", WebhookSecret: secret})
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	p := newWebhookProvider()
	payload := `{"id":"evt_1","type":"invoice.paid","created":1700000000,"data":{"object":{}}}`

	_, err := p.ParseWebhook([]byte(payload), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, provider.ErrSignature)

	_, err = p.ParseWebhook([]byte(payload), "")
	assert.ErrorIs(t, err, provider.ErrSignature)
}

func TestParseWebhookSubscriptionUpdated(t *testing.T) {
	p := newWebhookProvider()
	payload := `{
		"id": "evt_sub",
		"type": "customer.subscription.updated",
		"created": 1700000100,
		"data": {"object": {
			"id": "sub_123",
			"object": "subscription",
			"customer": "cus_9",
			"status": "past_due",
			"cancel_at_period_end": true,
			"items": {"data": [{
				"current_period_start": 1700000000,
				"current_period_end": 1702592000,
				"price": {"id": "price_std"}
			}]}
		}}
	}`

	ev, err := p.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, event.KindSubscriptionChanged, ev.Kind)
	assert.Equal(t, "sub_123", ev.ExternalSubscriptionRef)
	assert.Equal(t, "cus_9", ev.ExternalCustomerRef)
	assert.Equal(t, "past_due", ev.Status)
	assert.True(t, ev.CancelAtPeriodEnd)
	assert.Equal(t, "price_std", ev.PriceRef)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), ev.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), ev.OccurredAt)
}

func TestParseWebhookInvoiceEvents(t *testing.T) {
	p := newWebhookProvider()
	tests := []struct {
		name    string
		payload string
		kind    event.Kind
		subRef  string
	}{
		{
			"legacy subscription field",
			`{"id":"evt_a","type":"invoice.paid","created":1,"data":{"object":{"id":"in_1","customer":{"id":"cus_1"},"subscription":"sub_1"}}}`,
			event.KindInvoicePaid, "sub_1",
		},
		{
			"parent subscription details",
			`{"id":"evt_b","type":"invoice.payment_failed","created":1,"data":{"object":{"id":"in_2","customer":"cus_1","parent":{"subscription_details":{"subscription":"sub_2"}}}}}`,
			event.KindInvoicePaymentFailed, "sub_2",
		},
		{
			"overage invoice without subscription",
			`{"id":"evt_c","type":"invoice.paid","created":1,"data":{"object":{"id":"in_3","customer":"cus_1","metadata":{"billing_kind":"overage"}}}}`,
			event.KindUnknown, "",
		},
		{
			"unrelated type",
			`{"id":"evt_d","type":"customer.created","created":1,"data":{"object":{"id":"cus_1"}}}`,
			event.KindUnknown, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := p.ParseWebhook([]byte(tt.payload), sign(t, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.subRef, ev.ExternalSubscriptionRef)
		})
	}
}

func TestParseWebhookCheckoutCompleted(t *testing.T) {
	p := newWebhookProvider()
	payload := `{"id":"evt_cs","type":"checkout.session.completed","created":1700000000,"data":{"object":{
		"id":"cs_1","mode":"payment","payment_status":"paid","customer":"cus_7",
		"payment_intent":"pi_7","metadata":{"user_id":"user-7","plan_id":"lesson_pack"}}}}`

	ev, err := p.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, event.KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "user-7", ev.UserID)
	assert.Equal(t, "lesson_pack", ev.PlanID)
	assert.Equal(t, "pi_7", ev.PaymentRef)
	assert.Equal(t, "cus_7", ev.ExternalCustomerRef)

	unpaid := strings.Replace(payload, `"payment_status":"paid"`, `"payment_status":"unpaid"`, 1)
	ev, err = p.ParseWebhook([]byte(unpaid), sign(t, unpaid))
	require.NoError(t, err)
	assert.Equal(t, event.KindUnknown, ev.Kind)
}

func TestParseWebhookSkipVerification(t *testing.T) {
	p := stripeprovider.New(stripeprovider.Config{SkipVerification: true})
	payload := `{"id":"evt_pi","type":"payment_intent.succeeded","created":5,"data":{"object":{"id":"pi_1","metadata":{"user_id":"u","plan_id":"pro"}}}}`

	ev, err := p.ParseWebhook([]byte(payload), "")
	require.NoError(t, err)
	assert.Equal(t, event.KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "pi_1", ev.PaymentRef)
}

// fakeStripe serves the subset of the Stripe API the provider calls.
type fakeStripe struct {
	mu       sync.Mutex
	keys     []string
	payFails bool
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/invoices":
		writeJSON(w, map[string]any{"id": "in_1", "object": "invoice", "status": "draft", "currency": "usd"})
	case r.URL.Path == "/v1/invoiceitems":
		writeJSON(w, map[string]any{"id": "ii_1", "object": "invoiceitem"})
	case r.URL.Path == "/v1/invoices/in_1/finalize":
		writeJSON(w, map[string]any{"id": "in_1", "object": "invoice", "status": "open", "currency": "usd"})
	case r.URL.Path == "/v1/invoices/in_1/pay":
		if f.payFails {
			w.WriteHeader(http.StatusPaymentRequired)
			writeJSON(w, map[string]any{"error": map[string]any{"type": "card_error", "code": "card_declined", "message": "Your card was declined."}})
			return
		}
		writeJSON(w, map[string]any{"id": "in_1", "object": "invoice", "status": "paid", "currency": "usd", "amount_paid": 600})
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": "unknown path " + r.URL.Path}})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func newAPIProvider(t *testing.T, f *fakeStripe) *stripeprovider.Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return stripeprovider.New(stripeprovider.Config{APIKey: "sk_test"}, stripeprovider.WithBackends(backends))
}

func TestChargeOverage(t *testing.T) {
	f := &fakeStripe{}
	p := newAPIProvider(t, f)

	res, err := p.ChargeOverage(context.Background(), provider.ChargeRequest{
		IdempotencyKey: "overage-opur_1",
		CustomerRef:    "cus_1",
		UserID:         "u1",
		Units:          2,
		Amount:         types.USD(600),
		Description:    "2 additional lessons",
	})
	require.NoError(t, err)
	assert.Equal(t, "in_1", res.Ref)
	assert.True(t, res.Amount.Equal(types.USD(600)))
	assert.Equal(t, []string{
		"overage-opur_1-invoice",
		"overage-opur_1-item",
		"overage-opur_1-finalize",
		"overage-opur_1-pay",
	}, f.keys)
}

func TestChargeOverageDeclined(t *testing.T) {
	p := newAPIProvider(t, &fakeStripe{payFails: true})

	_, err := p.ChargeOverage(context.Background(), provider.ChargeRequest{
		IdempotencyKey: "k",
		CustomerRef:    "cus_1",
		Amount:         types.USD(600),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card_declined")
}

func TestChargeOverageRequiresCustomer(t *testing.T) {
	p := newAPIProvider(t, &fakeStripe{})
	_, err := p.ChargeOverage(context.Background(), provider.ChargeRequest{IdempotencyKey: "k"})
	assert.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, subscription.StatusPaused, provider.NormalizeStatus("paused"))
	assert.Equal(t, subscription.StatusIncomplete, provider.NormalizeStatus("something_new"))
}
