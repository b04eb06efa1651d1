package billing_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/subscription"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want billing.ErrorKind
	}{
		{nil, ""},
		{billing.ErrNoSubscription, billing.KindNoSubscription},
		{fmt.Errorf("wrapped: %w", billing.ErrSubscriptionInactive), billing.KindSubscriptionInactive},
		{billing.ErrLimitReached, billing.KindLimitReached},
		{billing.ErrOverageNotAllowed, billing.KindOverageNotAllowed},
		{fmt.Errorf("%w: %w", billing.ErrExternalBillingFailure, errors.New("card_declined")), billing.KindExternalBillingFailure},
		{billing.ValidationError{Field: "unitCount", Message: "must be at least 1"}, billing.KindInvalidRequest},
		{billing.ErrWebhookSignature, billing.KindInvalidRequest},
		{billing.ErrAmountOverflow, billing.KindInvalidRequest},
		{fmt.Errorf("%w: x", plan.ErrNotFound), billing.KindNotFound},
		{billing.ErrNotFound, billing.KindNotFound},
		{billing.ErrAlreadyExists, billing.KindConflict},
		{errors.New("boom"), billing.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, billing.Kind(tt.err), "%v", tt.err)
	}
}

func TestConsumeFailure(t *testing.T) {
	active := &subscription.Record{Status: subscription.StatusActive, Plan: plan.Plan{LessonQuota: 1}}
	exhausted := active.Clone()
	exhausted.LessonsGenerated = 1
	paused := active.Clone()
	paused.Status = subscription.StatusPaused

	assert.ErrorIs(t, billing.ConsumeFailure(nil), billing.ErrNoSubscription)
	assert.ErrorIs(t, billing.ConsumeFailure(paused), billing.ErrSubscriptionInactive)
	assert.ErrorIs(t, billing.ConsumeFailure(exhausted), billing.ErrLimitReached)
	assert.ErrorIs(t, billing.ConsumeFailure(active), billing.ErrTransactionFailed)
}

func TestHelpers(t *testing.T) {
	assert.True(t, billing.IsNotFound(billing.ErrPlanNotFound))
	assert.True(t, billing.IsEntitlementError(billing.ErrLimitReached))
	assert.False(t, billing.IsEntitlementError(billing.ErrExternalBillingFailure))
	assert.True(t, billing.IsRetryable(billing.ErrExternalBillingFailure))
	assert.False(t, billing.IsRetryable(billing.ErrInvalidRequest))
}
