package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/subscription"
)

func TestSubscribePaidPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", Email: "u1@example.com", PlanID: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "standard", rec.Plan.ID)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.NotEmpty(t, rec.ExternalCustomerRef)
	assert.NotEmpty(t, rec.ExternalSubscriptionRef)
	assert.Equal(t, f.provider.Customers["u1"], rec.ExternalCustomerRef)
	assert.False(t, rec.CurrentPeriodEnd.IsZero())
	assert.Equal(t, 1, f.hooks.count("provisioned"))

	_, err = f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "pro"})
	assert.ErrorIs(t, err, billing.ErrAlreadyExists)

	// Webhooks for the new processor subscription now find the record.
	outcome, err := f.billing.Reconcile(ctx, &event.Event{
		Kind:                    event.KindInvoicePaymentFailed,
		OccurredAt:              rec.CurrentPeriodStart.AddDate(0, 0, 1),
		ExternalSubscriptionRef: rec.ExternalSubscriptionRef,
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeApplied, outcome)
}

func TestSubscribeFreePlanSkipsProcessor(t *testing.T) {
	f := newFixture(t)

	rec, err := f.billing.Subscribe(context.Background(), billing.SubscribeRequest{UserID: "u1", PlanID: "free"})
	require.NoError(t, err)
	assert.Equal(t, "free", rec.Plan.ID)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Empty(t, rec.ExternalSubscriptionRef)
	assert.Empty(t, f.provider.Customers)

	res, err := f.billing.CheckAccess(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RemainingLessons)
}

func TestSubscribeUpgradesLocalRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "free"})
	require.NoError(t, err)
	_, err = f.billing.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)

	rec, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "pro", rec.Plan.ID)
	assert.NotEmpty(t, rec.ExternalSubscriptionRef)
	assert.Equal(t, int64(1), rec.LessonsGenerated)
	assert.Equal(t, 1, f.hooks.count("plan_changed"))
}

func TestSubscribeRejectsInvalidPlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "lesson_pack"})
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)

	_, err = f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "admin"})
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)

	_, err = f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "platinum"})
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	assert.Equal(t, billing.KindNotFound, billing.Kind(err))
}

func TestSubscribeProcessorFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateSubscriptionErr = errors.New("no such price")

	_, err := f.billing.Subscribe(context.Background(), billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	assert.ErrorIs(t, err, billing.ErrExternalBillingFailure)

	_, err = f.billing.GetSubscription(context.Background(), "u1")
	assert.ErrorIs(t, err, billing.ErrNoSubscription)
}

func TestChangePlanKeepsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)
	_, err = f.billing.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)

	rec, err := f.billing.ChangePlan(ctx, "u1", "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", rec.Plan.ID)
	assert.Equal(t, int64(100), rec.Plan.LessonQuota)
	assert.Equal(t, int64(1), rec.LessonsGenerated)
	assert.Equal(t, int64(99), rec.Remaining())
	assert.Equal(t, "price_pro", f.provider.Subscriptions[rec.ExternalSubscriptionRef].PriceRef)
	assert.Equal(t, 1, f.hooks.count("plan_changed"))

	same, err := f.billing.ChangePlan(ctx, "u1", "pro")
	require.NoError(t, err)
	assert.Equal(t, rec.Plan, same.Plan)
	assert.Equal(t, 1, f.hooks.count("plan_changed"))
}

func TestChangePlanRequiresProcessorSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, nil)

	_, err := f.billing.ChangePlan(context.Background(), "u1", "pro")
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)

	rec, err := f.billing.CancelSubscription(ctx, "u1", true)
	require.NoError(t, err)
	assert.True(t, rec.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StatusActive, rec.Status)

	res, err := f.billing.CheckAccess(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.CanGenerate)

	rec, err = f.billing.CancelSubscription(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, rec.Status)

	res, err = f.billing.CheckAccess(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.CanGenerate)
	assert.Equal(t, 2, f.hooks.count("canceled"))

	// A canceled user may subscribe again.
	again, err := f.billing.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, again.Status)
	assert.NotEqual(t, rec.ExternalSubscriptionRef, again.ExternalSubscriptionRef)
}

func TestCancelWithoutProcessorSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 5, nil)

	_, err := f.billing.CancelSubscription(context.Background(), "u1", false)
	assert.ErrorIs(t, err, billing.ErrInvalidRequest)

	_, err = f.billing.CancelSubscription(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, billing.ErrNoSubscription)
}

func TestListPlans(t *testing.T) {
	f := newFixture(t)
	plans := f.billing.ListPlans()
	require.NotEmpty(t, plans)
	assert.Equal(t, "free", plans[0].ID)
	for i := 1; i < len(plans); i++ {
		assert.LessOrEqual(t, plans[i-1].Price.Amount, plans[i].Price.Amount)
	}
}
