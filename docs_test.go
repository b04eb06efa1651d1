package billing_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store/memory"
)

// TestDocumentationExamples walks the flow described in the package docs.
func TestDocumentationExamples(t *testing.T) {
	ctx := context.Background()

	b := billing.New(memory.New(), billing.WithProvider(mock.New()))
	require.NoError(t, b.Start(ctx))
	defer b.Stop() //nolint:errcheck // test cleanup

	t.Run("Entitlement", func(t *testing.T) {
		rec, err := b.Subscribe(ctx, billing.SubscribeRequest{UserID: "educator_1", Email: "t@example.com", PlanID: "standard"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(rec.ID.String(), "sub_"))

		res, err := b.CheckAccess(ctx, "educator_1")
		require.NoError(t, err)
		require.True(t, res.CanGenerate)
		assert.Nil(t, res.Reason)

		rec, err = b.ConsumeCredit(ctx, "educator_1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.LessonsGenerated)
	})

	t.Run("Overage", func(t *testing.T) {
		rec, err := b.PurchaseOverage(ctx, billing.PurchaseRequest{UserID: "educator_1", Units: 5, IdempotencyKey: "req-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.AdditionalLessonsPurchased)

		purchases, err := b.ListPurchases(ctx, "educator_1", overage.ListOpts{})
		require.NoError(t, err)
		require.Len(t, purchases, 1)
		assert.True(t, strings.HasPrefix(purchases[0].ID.String(), "opur_"))
	})

	t.Run("Admin", func(t *testing.T) {
		res, err := b.CheckAccess(billing.WithRole(ctx, billing.RoleAdmin), "admin_1")
		require.NoError(t, err)
		assert.True(t, res.CanGenerate)
		assert.Equal(t, int64(billing.Unlimited), res.RemainingLessons)
	})
}
