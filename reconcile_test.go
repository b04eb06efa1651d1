package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/subscription"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func withExternalRef(ref string) func(*subscription.Record) {
	return func(r *subscription.Record) {
		r.ExternalSubscriptionRef = ref
		r.ExternalCustomerRef = "cus_1"
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, withExternalRef("sub_ext"))
	ctx := context.Background()

	ev := &event.Event{
		ID:                      "evt_1",
		Kind:                    event.KindSubscriptionChanged,
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_ext",
		Status:                  "past_due",
		CurrentPeriodStart:      t0,
		CurrentPeriodEnd:        t0.AddDate(0, 1, 0),
		CancelAtPeriodEnd:       true,
	}

	outcome, err := f.billing.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)
	once := f.record(t, "u1")

	outcome, err = f.billing.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)
	twice := f.record(t, "u1")

	assert.Equal(t, subscription.StatusPastDue, twice.Status)
	assert.Equal(t, once.Status, twice.Status)
	assert.True(t, once.CurrentPeriodStart.Equal(twice.CurrentPeriodStart))
	assert.True(t, once.CurrentPeriodEnd.Equal(twice.CurrentPeriodEnd))
	assert.Equal(t, once.CancelAtPeriodEnd, twice.CancelAtPeriodEnd)
	assert.Equal(t, once.Plan, twice.Plan)
}

func TestReconcileOutOfOrderKeepsNewest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, withExternalRef("sub_ext"))
	ctx := context.Background()

	failed := &event.Event{ID: "evt_2", Kind: event.KindInvoicePaymentFailed, OccurredAt: t0.Add(time.Minute), ExternalSubscriptionRef: "sub_ext"}
	paid := &event.Event{ID: "evt_1", Kind: event.KindInvoicePaid, OccurredAt: t0, ExternalSubscriptionRef: "sub_ext"}

	outcome, err := f.billing.Reconcile(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)

	outcome, err = f.billing.Reconcile(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeStale, outcome)

	assert.Equal(t, subscription.StatusPastDue, f.record(t, "u1").Status)

	res, err := f.billing.CheckAccess(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.CanGenerate)
}

func TestReconcileNeverTouchesCounters(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, func(r *subscription.Record) {
		withExternalRef("sub_ext")(r)
		r.LessonsGenerated = 4
		r.AdditionalLessonsPurchased = 2
		r.TotalSpent = 600
	})
	ctx := context.Background()

	events := []*event.Event{
		{Kind: event.KindSubscriptionChanged, OccurredAt: t0, ExternalSubscriptionRef: "sub_ext", Status: "canceled", PriceRef: "price_pro"},
		{Kind: event.KindInvoicePaid, OccurredAt: t0.Add(time.Second), ExternalSubscriptionRef: "sub_ext"},
		{Kind: event.KindInvoicePaymentFailed, OccurredAt: t0.Add(2 * time.Second), ExternalSubscriptionRef: "sub_ext"},
	}
	for _, ev := range events {
		_, err := f.billing.Reconcile(ctx, ev)
		require.NoError(t, err)
	}

	rec := f.record(t, "u1")
	assert.Equal(t, int64(4), rec.LessonsGenerated)
	assert.Equal(t, int64(2), rec.AdditionalLessonsPurchased)
	assert.Equal(t, int64(600), rec.TotalSpent)
}

func TestReconcilePlanChangeFromPrice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, withExternalRef("sub_ext"))
	ctx := context.Background()

	outcome, err := f.billing.Reconcile(ctx, &event.Event{
		Kind:                    event.KindSubscriptionChanged,
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_ext",
		Status:                  "active",
		PriceRef:                "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)

	rec := f.record(t, "u1")
	assert.Equal(t, "pro", rec.Plan.ID)
	assert.Equal(t, int64(100), rec.Plan.LessonQuota)
	assert.Equal(t, 1, f.hooks.count("plan_changed"))
	assert.Equal(t, 1, f.hooks.count("reconciled"))
}

func TestReconcileSamePlanKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	// The stored snapshot differs from the current catalog entry.
	f.seed(t, "u1", 7, withExternalRef("sub_ext"))

	_, err := f.billing.Reconcile(context.Background(), &event.Event{
		Kind:                    event.KindSubscriptionChanged,
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_ext",
		Status:                  "active",
		PriceRef:                "price_standard",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), f.record(t, "u1").Plan.LessonQuota)
	assert.Zero(t, f.hooks.count("plan_changed"))
}

func TestReconcileUnknownStatusDenies(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, withExternalRef("sub_ext"))

	_, err := f.billing.Reconcile(context.Background(), &event.Event{
		Kind:                    event.KindSubscriptionChanged,
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_ext",
		Status:                  "something_new",
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusIncomplete, f.record(t, "u1").Status)
}

func TestReconcileOrphanedEvent(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.billing.Reconcile(context.Background(), &event.Event{
		ID:                      "evt_orphan",
		Kind:                    event.KindInvoicePaid,
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeOrphaned, outcome)
	assert.Equal(t, 1, f.hooks.count("orphaned"))
}

func TestReconcileUnknownKind(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.billing.Reconcile(context.Background(), &event.Event{Kind: event.KindUnknown, Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeIgnored, outcome)
}

func TestReconcilePaymentProvisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := &event.Event{
		ID:         "evt_pay",
		Kind:       event.KindPaymentSucceeded,
		OccurredAt: t0,
		UserID:     "u-pay",
		PlanID:     "lesson_pack",
		PaymentRef: "pi_1",
	}

	outcome, err := f.billing.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)

	rec := f.record(t, "u-pay")
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, "lesson_pack", rec.Plan.ID)
	assert.True(t, rec.CurrentPeriodStart.Equal(t0))
	assert.True(t, rec.CurrentPeriodEnd.Equal(t0.AddDate(0, 1, 0)))
	assert.Equal(t, 1, f.hooks.count("provisioned"))

	_, err = f.billing.ConsumeCredit(ctx, "u-pay")
	require.NoError(t, err)

	// Redelivery of the same payment is a no-op, even with a later timestamp.
	redelivered := *ev
	redelivered.OccurredAt = t0.Add(time.Hour)
	outcome, err = f.billing.Reconcile(ctx, &redelivered)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeStale, outcome)

	after := f.record(t, "u-pay")
	assert.True(t, after.CurrentPeriodStart.Equal(t0))
	assert.Equal(t, int64(1), after.LessonsGenerated)
}

func TestReconcilePaymentRenewsExistingRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, func(r *subscription.Record) {
		r.Status = subscription.StatusCanceled
		r.LessonsGenerated = 5
	})

	outcome, err := f.billing.Reconcile(context.Background(), &event.Event{
		Kind:       event.KindPaymentSucceeded,
		OccurredAt: t0,
		UserID:     "u1",
		PlanID:     "pro",
		PaymentRef: "cs_1",
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)

	rec := f.record(t, "u1")
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, "pro", rec.Plan.ID)
	assert.Equal(t, int64(5), rec.LessonsGenerated)
	assert.Equal(t, int64(95), rec.Remaining())
}

func TestReconcilePaymentRequiresUserAndPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.billing.Reconcile(ctx, &event.Event{Kind: event.KindPaymentSucceeded, OccurredAt: t0, PlanID: "pro"})
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)

	_, err = f.billing.Reconcile(ctx, &event.Event{Kind: event.KindPaymentSucceeded, OccurredAt: t0, UserID: "u1", PlanID: "nope"})
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, withExternalRef("sub_ext"))
	ctx := context.Background()

	payload, err := json.Marshal(event.Event{
		ID:                      "evt_1",
		Kind:                    event.KindInvoicePaymentFailed,
		Type:                    "invoice.payment_failed",
		OccurredAt:              t0,
		ExternalSubscriptionRef: "sub_ext",
	})
	require.NoError(t, err)

	ev, outcome, err := f.billing.HandleWebhook(ctx, payload, "")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, event.OutcomeApplied, outcome)
	assert.Equal(t, subscription.StatusPastDue, f.record(t, "u1").Status)

	_, _, err = f.billing.HandleWebhook(ctx, []byte("{not json"), "")
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)
}

func TestHandleWebhookWithoutParser(t *testing.T) {
	f := newFixture(t, billing.WithProvider(nil))
	_, _, err := f.billing.HandleWebhook(context.Background(), []byte("{}"), "")
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestReconcileWebhookInSameSecondAsLocalWrite(t *testing.T) {
	clock := func() time.Time { return t0.Add(700 * time.Millisecond) }
	f := newFixture(t, billing.WithClock(clock))
	f.provider.Now = clock
	ctx := context.Background()

	rec, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, rec.Status)

	// Processor timestamps have one-second resolution.
	outcome, err := f.billing.Reconcile(ctx, &event.Event{
		ID:                      "evt_failed",
		Kind:                    event.KindInvoicePaymentFailed,
		OccurredAt:              t0,
		ExternalSubscriptionRef: rec.ExternalSubscriptionRef,
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)
	assert.Equal(t, subscription.StatusPastDue, f.record(t, "u1").Status)

	outcome, err = f.billing.Reconcile(ctx, &event.Event{
		ID:                      "evt_old",
		Kind:                    event.KindInvoicePaid,
		OccurredAt:              t0.Add(-time.Second),
		ExternalSubscriptionRef: rec.ExternalSubscriptionRef,
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeStale, outcome)
	assert.Equal(t, subscription.StatusPastDue, f.record(t, "u1").Status)
}
