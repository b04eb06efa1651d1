// Package storetest holds the behavioural checks every store.Store backend
// must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// Factory returns an empty, migrated store.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("Lookups", func(t *testing.T) { testLookups(t, newStore(t)) })
	t.Run("ConsumeCredit", func(t *testing.T) { testConsumeCredit(t, newStore(t)) })
	t.Run("ConsumeCreditRace", func(t *testing.T) { testConsumeCreditRace(t, newStore(t)) })
	t.Run("ApplyProcessorState", func(t *testing.T) { testApplyProcessorState(t, newStore(t)) })
	t.Run("PurchaseLifecycle", func(t *testing.T) { testPurchaseLifecycle(t, newStore(t)) })
	t.Run("FailedPurchase", func(t *testing.T) { testFailedPurchase(t, newStore(t)) })
	t.Run("PendingPurchases", func(t *testing.T) { testPendingPurchases(t, newStore(t)) })
}

// NewRecord builds an active record on a capped plan.
func NewRecord(userID string, quota int64) *subscription.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &subscription.Record{
		Entity: types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:     id.NewSubscriptionID(),
		UserID: userID,
		Status: subscription.StatusActive,
		Plan: plan.Plan{
			ID:               "standard",
			Name:             "Standard",
			Price:            types.USD(999),
			Interval:         plan.IntervalMonth,
			LessonQuota:      quota,
			OverageUnitPrice: types.USD(300),
			AllowsOverage:    true,
			Features:         []string{"basic_lessons"},
		},
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
}

func newPurchase(rec *subscription.Record, key string, units int64) *overage.Purchase {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &overage.Purchase{
		Entity:         types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewPurchaseID(),
		UserID:         rec.UserID,
		SubscriptionID: rec.ID,
		IdempotencyKey: key,
		Units:          units,
		UnitPrice:      rec.Plan.OverageUnitPrice,
		Amount:         rec.Plan.OverageUnitPrice.Multiply(units),
		Status:         overage.StatusPending,
	}
}

func testCreateIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := NewRecord("user-1", 5)
	stored, created, err := s.CreateSubscription(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID.String(), stored.ID.String())
	assert.Equal(t, []string{"basic_lessons"}, stored.Plan.Features)

	second := NewRecord("user-1", 100)
	stored, created, err = s.CreateSubscription(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID.String(), stored.ID.String(), "one record per user")
	assert.Equal(t, int64(5), stored.Plan.LessonQuota)
}

func testLookups(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetSubscriptionByUser(ctx, "nobody")
	assert.ErrorIs(t, err, billing.ErrNoSubscription)
	_, err = s.GetSubscriptionByExternalRef(ctx, "sub_missing")
	assert.ErrorIs(t, err, billing.ErrNoSubscription)

	rec := NewRecord("user-2", 5)
	rec.ExternalCustomerRef = "cus_2"
	rec.ExternalSubscriptionRef = "sub_ext_2"
	_, _, err = s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetSubscriptionByExternalRef(ctx, "sub_ext_2")
	require.NoError(t, err)
	assert.Equal(t, "user-2", got.UserID)
	assert.Equal(t, "cus_2", got.ExternalCustomerRef)

	got, err = s.GetSubscription(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)

	list, err := s.ListSubscriptions(ctx, subscription.ListOpts{Status: subscription.StatusActive})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testConsumeCredit(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.ConsumeCredit(ctx, "ghost")
	assert.ErrorIs(t, err, billing.ErrNoSubscription)

	rec := NewRecord("user-3", 2)
	_, _, err = s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	for i := int64(1); i <= 2; i++ {
		got, err := s.ConsumeCredit(ctx, "user-3")
		require.NoError(t, err)
		assert.Equal(t, i, got.LessonsGenerated)
	}

	_, err = s.ConsumeCredit(ctx, "user-3")
	assert.ErrorIs(t, err, billing.ErrLimitReached)

	got, err := s.GetSubscriptionByUser(ctx, "user-3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LessonsGenerated, "failed consume must not write")

	_, applied, err := s.ApplyProcessorState(ctx, rec.ID, subscription.ProcessorState{
		Status:     subscription.StatusPastDue,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.ConsumeCredit(ctx, "user-3")
	assert.ErrorIs(t, err, billing.ErrSubscriptionInactive)

	unlimited := NewRecord("user-4", plan.Unlimited)
	_, _, err = s.CreateSubscription(ctx, unlimited)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = s.ConsumeCredit(ctx, "user-4")
		require.NoError(t, err)
	}
}

func testConsumeCreditRace(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("racer", 1)
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		limited   int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ConsumeCredit(ctx, "racer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case billing.Kind(err) == billing.KindLimitReached:
				limited++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, limited)

	got, err := s.GetSubscriptionByUser(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LessonsGenerated)
}

func testApplyProcessorState(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("user-5", 5)
	rec.ExternalSubscriptionRef = "sub_ext_5"
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)
	_, err = s.ConsumeCredit(ctx, "user-5")
	require.NoError(t, err)

	t1 := time.Now().UTC().Truncate(time.Second)
	t2 := t1.Add(time.Minute)
	cancel := true

	failed := subscription.ProcessorState{Status: subscription.StatusPastDue, CancelAtPeriodEnd: &cancel, OccurredAt: t2}
	got, applied, err := s.ApplyProcessorState(ctx, rec.ID, failed)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, subscription.StatusPastDue, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)

	// replay is a no-op overwrite
	got, applied, err = s.ApplyProcessorState(ctx, rec.ID, failed)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, subscription.StatusPastDue, got.Status)

	// older event arrives late
	got, applied, err = s.ApplyProcessorState(ctx, rec.ID, subscription.ProcessorState{Status: subscription.StatusActive, OccurredAt: t1})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, subscription.StatusPastDue, got.Status)

	// plan overwrite and new external ref
	pro := plan.Plan{ID: "pro", Name: "Pro", Price: types.USD(2499), Interval: plan.IntervalMonth, LessonQuota: 100, Features: []string{"a", "b"}}
	got, applied, err = s.ApplyProcessorState(ctx, rec.ID, subscription.ProcessorState{
		Status:                  subscription.StatusActive,
		Plan:                    &pro,
		ExternalSubscriptionRef: "sub_ext_5b",
		OccurredAt:              t2.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "pro", got.Plan.ID)
	assert.Equal(t, int64(100), got.Plan.LessonQuota)
	assert.Equal(t, []string{"a", "b"}, got.Plan.Features)
	assert.Equal(t, int64(1), got.LessonsGenerated, "reconciliation never touches counters")

	byRef, err := s.GetSubscriptionByExternalRef(ctx, "sub_ext_5b")
	require.NoError(t, err)
	assert.Equal(t, rec.ID.String(), byRef.ID.String())

	// payment refs dedupe
	pay := subscription.ProcessorState{Status: subscription.StatusActive, PaymentRef: "pi_5", OccurredAt: t2.Add(2 * time.Minute)}
	_, applied, err = s.ApplyProcessorState(ctx, rec.ID, pay)
	require.NoError(t, err)
	assert.True(t, applied)
	pay.OccurredAt = pay.OccurredAt.Add(time.Minute)
	_, applied, err = s.ApplyProcessorState(ctx, rec.ID, pay)
	require.NoError(t, err)
	assert.False(t, applied)

	_, _, err = s.ApplyProcessorState(ctx, id.NewSubscriptionID(), pay)
	assert.ErrorIs(t, err, billing.ErrNoSubscription)
}

func testPurchaseLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("user-6", 5)
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	p := newPurchase(rec, "req-1", 2)
	stored, created, err := s.ReservePurchase(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, overage.StatusPending, stored.Status)

	again, created, err := s.ReservePurchase(ctx, newPurchase(rec, "req-1", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID.String(), again.ID.String())

	got, err := s.CompletePurchase(ctx, p.ID, "in_123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AdditionalLessonsPurchased)
	assert.Equal(t, int64(600), got.TotalSpent)

	got, err = s.CompletePurchase(ctx, p.ID, "in_123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AdditionalLessonsPurchased, "completion applies once")
	assert.Equal(t, int64(600), got.TotalSpent)

	paid, err := s.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, overage.StatusPaid, paid.Status)
	assert.Equal(t, "in_123", paid.ProcessorRef)
	require.NotNil(t, paid.PaidAt)

	history, err := s.ListPurchases(ctx, "user-6", overage.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = s.GetPurchase(ctx, id.NewPurchaseID())
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func testFailedPurchase(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("user-7", 5)
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	p := newPurchase(rec, "req-fail", 3)
	_, _, err = s.ReservePurchase(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.FailPurchase(ctx, p.ID, "card_declined"))

	failed, err := s.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, overage.StatusFailed, failed.Status)
	assert.Equal(t, "card_declined", failed.FailureReason)

	got, err := s.GetSubscriptionByUser(ctx, "user-7")
	require.NoError(t, err)
	assert.Zero(t, got.AdditionalLessonsPurchased)
	assert.Zero(t, got.TotalSpent)
}

func testPendingPurchases(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("user-8", 5)
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	old := newPurchase(rec, "old", 1)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	old.UpdatedAt = old.CreatedAt
	fresh := newPurchase(rec, "fresh", 1)
	done := newPurchase(rec, "done", 1)
	done.CreatedAt = old.CreatedAt
	done.UpdatedAt = old.CreatedAt
	for _, p := range []*overage.Purchase{old, fresh, done} {
		_, _, err = s.ReservePurchase(ctx, p)
		require.NoError(t, err)
	}
	_, err = s.CompletePurchase(ctx, done.ID, "in_done")
	require.NoError(t, err)

	pending, err := s.ListPendingPurchases(ctx, time.Now().UTC().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, old.ID.String(), pending[0].ID.String())
}
