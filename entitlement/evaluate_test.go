package entitlement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/subscription"
)

func record(status subscription.Status, quota, generated, purchased int64) *subscription.Record {
	return &subscription.Record{
		Status:                     status,
		Plan:                       plan.Plan{ID: "p", LessonQuota: quota},
		LessonsGenerated:           generated,
		AdditionalLessonsPurchased: purchased,
	}
}

func TestEvaluateNoSubscription(t *testing.T) {
	res := entitlement.Evaluate(nil)
	assert.False(t, res.CanGenerate)
	require.NotNil(t, res.Reason)
	assert.Equal(t, entitlement.ReasonNoSubscription, *res.Reason)
	assert.Zero(t, res.RemainingLessons)
}

func TestEvaluateNonActiveAlwaysDenies(t *testing.T) {
	statuses := []subscription.Status{
		subscription.StatusTrialing,
		subscription.StatusPastDue,
		subscription.StatusCanceled,
		subscription.StatusIncomplete,
		subscription.StatusIncompleteExpired,
		subscription.StatusUnpaid,
		subscription.StatusPaused,
	}
	for _, st := range statuses {
		for _, quota := range []int64{plan.Unlimited, 0, 100} {
			res := entitlement.Evaluate(record(st, quota, 0, 50))
			assert.False(t, res.CanGenerate, "status %s quota %d", st, quota)
			require.NotNil(t, res.Reason)
			assert.Equal(t, entitlement.ReasonNotActive, *res.Reason)
			assert.Zero(t, res.RemainingLessons)
		}
	}
}

func TestEvaluateUnlimited(t *testing.T) {
	for _, generated := range []int64{0, 1, 1 << 40} {
		res := entitlement.Evaluate(record(subscription.StatusActive, plan.Unlimited, generated, 0))
		assert.True(t, res.CanGenerate)
		assert.Nil(t, res.Reason)
		assert.Equal(t, int64(-1), res.RemainingLessons)
	}
}

func TestEvaluateQuota(t *testing.T) {
	tests := []struct {
		name      string
		generated int64
		purchased int64
		allowed   bool
		remaining int64
	}{
		{"unused", 0, 0, true, 5},
		{"one left", 4, 0, true, 1},
		{"exhausted", 5, 0, false, 0},
		{"overage restores", 5, 2, true, 2},
		{"overage exhausted", 7, 2, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := entitlement.Evaluate(record(subscription.StatusActive, 5, tt.generated, tt.purchased))
			assert.Equal(t, tt.allowed, res.CanGenerate)
			assert.Equal(t, tt.remaining, res.RemainingLessons)
			if tt.allowed {
				assert.Nil(t, res.Reason)
			} else {
				require.NotNil(t, res.Reason)
				assert.Equal(t, entitlement.ReasonLimitReached, *res.Reason)
			}
		})
	}
}
