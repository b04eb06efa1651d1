package entitlement

import "github.com/dramaplan/billing/subscription"

// Evaluate derives the access decision from a record. A nil record means the
// user has no subscription.
func Evaluate(rec *subscription.Record) *Result {
	if rec == nil {
		return denied(ReasonNoSubscription)
	}
	if rec.Status != subscription.StatusActive {
		return denied(ReasonNotActive)
	}
	remaining := rec.Remaining()
	if remaining == 0 {
		return denied(ReasonLimitReached)
	}
	return &Result{CanGenerate: true, RemainingLessons: remaining}
}
