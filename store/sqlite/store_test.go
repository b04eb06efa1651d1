package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/store/sqlite"
	"github.com/dramaplan/billing/store/storetest"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "billing.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlite.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestDuplicateExternalRef(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := storetest.NewRecord("a", 5)
	a.ExternalSubscriptionRef = "sub_dup"
	_, _, err := s.CreateSubscription(ctx, a)
	require.NoError(t, err)

	b := storetest.NewRecord("b", 5)
	b.ExternalSubscriptionRef = "sub_dup"
	_, _, err = s.CreateSubscription(ctx, b)
	assert.ErrorIs(t, err, billing.ErrAlreadyExists)
}

func TestEngineStartMigratesFreshDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)

	b := billing.New(s)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop() })

	_, err = b.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "free"})
	require.NoError(t, err)
	rec, err := b.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.LessonsGenerated)
}
