package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing/entitlement"
)

func TestGetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.Get(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)

	reason := entitlement.ReasonLimitReached
	require.NoError(t, c.Set(ctx, "u1", 0, &entitlement.Result{Reason: &reason}, time.Minute))

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.Reason)
	assert.Equal(t, reason, *got.Reason)

	*got.Reason = "mutated"
	again, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, reason, *again.Reason)

	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, err = c.Get(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "u1", 0, &entitlement.Result{CanGenerate: true, RemainingLessons: 3}, time.Second))
	_, err := c.Get(ctx, "u1")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = c.Get(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)
	assert.Zero(t, c.Len())
}

func TestZeroTTLIsNotStored(t *testing.T) {
	c := New()
	require.NoError(t, c.Set(context.Background(), "u1", 0, &entitlement.Result{}, 0))
	assert.Zero(t, c.Len())
}

func TestSetAfterInvalidateIsDropped(t *testing.T) {
	ctx := context.Background()
	c := New()

	gen, err := c.Generation(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "u1"))
	require.NoError(t, c.Set(ctx, "u1", gen, &entitlement.Result{CanGenerate: true}, time.Minute))
	_, err = c.Get(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)

	gen, err = c.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, c.Set(ctx, "u1", gen, &entitlement.Result{CanGenerate: true}, time.Minute))
	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.CanGenerate)
}
