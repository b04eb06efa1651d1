package billing

import (
	"errors"
	"fmt"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// Sentinel errors for common failure scenarios.
var (
	// Entitlement errors
	ErrNoSubscription       = errors.New("billing: no subscription")
	ErrSubscriptionInactive = errors.New("billing: subscription not active")
	ErrLimitReached         = errors.New("billing: lesson limit reached")
	ErrOverageNotAllowed    = errors.New("billing: plan does not allow overage purchases")

	// Processor errors
	ErrExternalBillingFailure = errors.New("billing: external billing failure")
	ErrProviderNotConfigured  = errors.New("billing: provider not configured")
	ErrWebhookSignature       = provider.ErrSignature

	// General errors
	ErrInvalidRequest = errors.New("billing: invalid request")
	ErrNotFound       = errors.New("billing: not found")
	ErrAlreadyExists  = errors.New("billing: already exists")
	ErrPlanNotFound   = plan.ErrNotFound
	ErrAmountOverflow = types.ErrAmountOverflow

	// Store errors
	ErrStoreNotReady     = errors.New("billing: store not ready")
	ErrStoreClosed       = errors.New("billing: store is closed")
	ErrTransactionFailed = errors.New("billing: transaction failed")
	ErrMigrationFailed   = errors.New("billing: migration failed")

	// Cache errors
	ErrCacheMiss = entitlement.ErrCacheMiss
)

// ErrorKind is the coarse taxonomy exposed to API clients.
type ErrorKind string

const (
	KindNoSubscription         ErrorKind = "NoSubscription"
	KindSubscriptionInactive   ErrorKind = "SubscriptionInactive"
	KindLimitReached           ErrorKind = "LimitReached"
	KindOverageNotAllowed      ErrorKind = "OverageNotAllowed"
	KindExternalBillingFailure ErrorKind = "ExternalBillingFailure"
	KindInvalidRequest         ErrorKind = "InvalidRequest"
	KindNotFound               ErrorKind = "NotFound"
	KindConflict               ErrorKind = "Conflict"
	KindInternal               ErrorKind = "Internal"
)

// Kind classifies err. Unrecognized errors are KindInternal.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSubscription):
		return KindNoSubscription
	case errors.Is(err, ErrSubscriptionInactive):
		return KindSubscriptionInactive
	case errors.Is(err, ErrLimitReached):
		return KindLimitReached
	case errors.Is(err, ErrOverageNotAllowed):
		return KindOverageNotAllowed
	case errors.Is(err, ErrExternalBillingFailure):
		return KindExternalBillingFailure
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrAmountOverflow),
		errors.Is(err, ErrWebhookSignature), errors.As(err, new(ValidationError)):
		return KindInvalidRequest
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindConflict
	default:
		return KindInternal
	}
}

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidRequest) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidRequest }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrNoSubscription)
}

// IsEntitlementError returns true if the error denies a lesson generation or
// overage purchase on business grounds.
func IsEntitlementError(err error) bool {
	return errors.Is(err, ErrLimitReached) ||
		errors.Is(err, ErrSubscriptionInactive) ||
		errors.Is(err, ErrOverageNotAllowed) ||
		errors.Is(err, ErrNoSubscription)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalBillingFailure) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}

// ConsumeFailure explains why a conditional credit increment matched no
// row, given the record re-read afterwards (nil when absent). Store backends
// use it so every backend reports the same error for the same state.
func ConsumeFailure(rec *subscription.Record) error {
	switch {
	case rec == nil:
		return ErrNoSubscription
	case rec.Status != subscription.StatusActive:
		return ErrSubscriptionInactive
	case !rec.HasCredit():
		return ErrLimitReached
	default:
		return ErrTransactionFailed
	}
}
