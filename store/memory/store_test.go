package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/store/memory"
	"github.com/dramaplan/billing/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := storetest.NewRecord("u", 5)
	_, _, err := s.CreateSubscription(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetSubscriptionByUser(ctx, "u")
	require.NoError(t, err)
	got.LessonsGenerated = 99
	got.Plan.Features[0] = "mutated"

	again, err := s.GetSubscriptionByUser(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, again.LessonsGenerated)
	assert.Equal(t, "basic_lessons", again.Plan.Features[0])
}

func TestPingAfterClose(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), billing.ErrStoreClosed)
}
