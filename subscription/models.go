package subscription

import (
	"time"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/types"
)

type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Terminal statuses no longer have a live processor subscription.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Record is the per-user entitlement state. Processor-owned fields
// (status, period, refs, plan) are only ever overwritten; the lesson
// counters are only ever incremented.
type Record struct {
	types.Entity
	ID                         id.SubscriptionID `json:"id"`
	UserID                     string            `json:"userId"`
	ExternalCustomerRef        string            `json:"externalCustomerRef,omitempty"`
	ExternalSubscriptionRef    string            `json:"externalSubscriptionRef,omitempty"`
	Status                     Status            `json:"status"`
	Plan                       plan.Plan         `json:"plan"`
	CurrentPeriodStart         time.Time         `json:"currentPeriodStart"`
	CurrentPeriodEnd           time.Time         `json:"currentPeriodEnd"`
	CancelAtPeriodEnd          bool              `json:"cancelAtPeriodEnd"`
	LessonsGenerated           int64             `json:"lessonsGenerated"`
	AdditionalLessonsPurchased int64             `json:"additionalLessonsPurchased"`
	TotalSpent                 int64             `json:"totalSpent"`
	ProcessorUpdatedAt         time.Time         `json:"-"`
	LastPaymentRef             string            `json:"-"`
}

// HasCredit reports whether one more lesson fits the quota.
func (r *Record) HasCredit() bool {
	if r.Plan.IsUnlimited() {
		return true
	}
	return r.LessonsGenerated < r.Plan.LessonQuota+r.AdditionalLessonsPurchased
}

// Remaining is max(0, quota+purchased-generated), or plan.Unlimited.
func (r *Record) Remaining() int64 {
	if r.Plan.IsUnlimited() {
		return plan.Unlimited
	}
	if n := r.Plan.LessonQuota + r.AdditionalLessonsPurchased - r.LessonsGenerated; n > 0 {
		return n
	}
	return 0
}

// Clone returns a copy that shares nothing with r.
func (r *Record) Clone() *Record {
	c := *r
	c.Plan = r.Plan.Clone()
	return &c
}

// ProcessorState is an overwrite of the processor-owned fields. Zero values
// and nil pointers leave the stored value untouched.
type ProcessorState struct {
	Status                  Status
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAtPeriodEnd       *bool
	Plan                    *plan.Plan
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	PaymentRef              string
	OccurredAt              time.Time
}

// ProcessorTime normalizes t to the one-second resolution processors stamp
// events with. Ordering is decided on normalized times, so a local write and
// a webhook from the same second never shadow each other.
func ProcessorTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Stale reports whether s is older than what r already reflects, or is a
// payment r has already applied.
func (r *Record) Stale(s ProcessorState) bool {
	if s.PaymentRef != "" && s.PaymentRef == r.LastPaymentRef {
		return true
	}
	return ProcessorTime(s.OccurredAt).Before(ProcessorTime(r.ProcessorUpdatedAt))
}

// Apply overwrites r with s unless s is stale. It returns false when skipped.
func (r *Record) Apply(s ProcessorState) bool {
	if r.Stale(s) {
		return false
	}
	if s.Status != "" {
		r.Status = s.Status
	}
	if !s.CurrentPeriodStart.IsZero() {
		r.CurrentPeriodStart = s.CurrentPeriodStart
	}
	if !s.CurrentPeriodEnd.IsZero() {
		r.CurrentPeriodEnd = s.CurrentPeriodEnd
	}
	if s.CancelAtPeriodEnd != nil {
		r.CancelAtPeriodEnd = *s.CancelAtPeriodEnd
	}
	if s.Plan != nil {
		r.Plan = s.Plan.Clone()
	}
	if s.ExternalCustomerRef != "" {
		r.ExternalCustomerRef = s.ExternalCustomerRef
	}
	if s.ExternalSubscriptionRef != "" {
		r.ExternalSubscriptionRef = s.ExternalSubscriptionRef
	}
	if s.PaymentRef != "" {
		r.LastPaymentRef = s.PaymentRef
	}
	r.ProcessorUpdatedAt = ProcessorTime(s.OccurredAt)
	r.Touch()
	return true
}
