package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/subscription"
	"github.com/dramaplan/billing/types"
)

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:billing_subscriptions"`

	ID                         string    `grove:"id,pk"`
	UserID                     string    `grove:"user_id"`
	ExternalCustomerRef        string    `grove:"external_customer_ref"`
	ExternalSubscriptionRef    string    `grove:"external_subscription_ref"`
	Status                     string    `grove:"status"`
	PlanID                     string    `grove:"plan_id"`
	PlanName                   string    `grove:"plan_name"`
	PlanPrice                  int64     `grove:"plan_price"`
	PlanCurrency               string    `grove:"plan_currency"`
	PlanInterval               string    `grove:"plan_interval"`
	PlanPriceRef               string    `grove:"plan_price_ref"`
	LessonQuota                int64     `grove:"lesson_quota"`
	OverageUnitPrice           int64     `grove:"overage_unit_price"`
	OverageCurrency            string    `grove:"overage_currency"`
	AllowsOverage              bool      `grove:"allows_overage"`
	Features                   string    `grove:"features"`
	CurrentPeriodStart         time.Time `grove:"current_period_start"`
	CurrentPeriodEnd           time.Time `grove:"current_period_end"`
	CancelAtPeriodEnd          bool      `grove:"cancel_at_period_end"`
	LessonsGenerated           int64     `grove:"lessons_generated"`
	AdditionalLessonsPurchased int64     `grove:"additional_lessons_purchased"`
	TotalSpent                 int64     `grove:"total_spent"`
	ProcessorUpdatedAt         time.Time `grove:"processor_updated_at"`
	LastPaymentRef             string    `grove:"last_payment_ref"`
	CreatedAt                  time.Time `grove:"created_at"`
	UpdatedAt                  time.Time `grove:"updated_at"`
}

// subscriptionColumns lists the columns in subscriptionModel field order, for
// RETURNING clauses scanned positionally into the model.
const subscriptionColumns = `id, user_id, external_customer_ref, external_subscription_ref, status,
	plan_id, plan_name, plan_price, plan_currency, plan_interval, plan_price_ref,
	lesson_quota, overage_unit_price, overage_currency, allows_overage, features,
	current_period_start, current_period_end, cancel_at_period_end,
	lessons_generated, additional_lessons_purchased, total_spent,
	processor_updated_at, last_payment_ref, created_at, updated_at`

func toSubscriptionModel(r *subscription.Record) *subscriptionModel {
	features := r.Plan.Features
	if features == nil {
		features = []string{}
	}
	raw, _ := json.Marshal(features) //nolint:errcheck // best-effort

	return &subscriptionModel{
		ID:                         r.ID.String(),
		UserID:                     r.UserID,
		ExternalCustomerRef:        r.ExternalCustomerRef,
		ExternalSubscriptionRef:    r.ExternalSubscriptionRef,
		Status:                     string(r.Status),
		PlanID:                     r.Plan.ID,
		PlanName:                   r.Plan.Name,
		PlanPrice:                  r.Plan.Price.Amount,
		PlanCurrency:               r.Plan.Price.Currency,
		PlanInterval:               string(r.Plan.Interval),
		PlanPriceRef:               r.Plan.ProcessorPriceRef,
		LessonQuota:                r.Plan.LessonQuota,
		OverageUnitPrice:           r.Plan.OverageUnitPrice.Amount,
		OverageCurrency:            r.Plan.OverageUnitPrice.Currency,
		AllowsOverage:              r.Plan.AllowsOverage,
		Features:                   string(raw),
		CurrentPeriodStart:         r.CurrentPeriodStart,
		CurrentPeriodEnd:           r.CurrentPeriodEnd,
		CancelAtPeriodEnd:          r.CancelAtPeriodEnd,
		LessonsGenerated:           r.LessonsGenerated,
		AdditionalLessonsPurchased: r.AdditionalLessonsPurchased,
		TotalSpent:                 r.TotalSpent,
		ProcessorUpdatedAt:         r.ProcessorUpdatedAt,
		LastPaymentRef:             r.LastPaymentRef,
		CreatedAt:                  r.CreatedAt,
		UpdatedAt:                  r.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Record, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	var features []string
	if len(m.Features) > 0 {
		_ = json.Unmarshal([]byte(m.Features), &features) //nolint:errcheck // best-effort
	}

	return &subscription.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                      subID,
		UserID:                  m.UserID,
		ExternalCustomerRef:     m.ExternalCustomerRef,
		ExternalSubscriptionRef: m.ExternalSubscriptionRef,
		Status:                  subscription.Status(m.Status),
		Plan: plan.Plan{
			ID:                m.PlanID,
			Name:              m.PlanName,
			Price:             types.New(m.PlanPrice, m.PlanCurrency),
			Interval:          plan.Interval(m.PlanInterval),
			LessonQuota:       m.LessonQuota,
			OverageUnitPrice:  types.New(m.OverageUnitPrice, m.OverageCurrency),
			AllowsOverage:     m.AllowsOverage,
			Features:          features,
			ProcessorPriceRef: m.PlanPriceRef,
		},
		CurrentPeriodStart:         m.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:           m.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:          m.CancelAtPeriodEnd,
		LessonsGenerated:           m.LessonsGenerated,
		AdditionalLessonsPurchased: m.AdditionalLessonsPurchased,
		TotalSpent:                 m.TotalSpent,
		ProcessorUpdatedAt:         m.ProcessorUpdatedAt.UTC(),
		LastPaymentRef:             m.LastPaymentRef,
	}, nil
}

// ==================== Overage purchase models ====================

type purchaseModel struct {
	grove.BaseModel `grove:"table:billing_overage_purchases"`

	ID             string     `grove:"id,pk"`
	UserID         string     `grove:"user_id"`
	SubscriptionID string     `grove:"subscription_id"`
	IdempotencyKey string     `grove:"idempotency_key"`
	Units          int64      `grove:"units"`
	UnitPrice      int64      `grove:"unit_price"`
	Amount         int64      `grove:"amount"`
	Currency       string     `grove:"currency"`
	Status         string     `grove:"status"`
	ProcessorRef   string     `grove:"processor_ref"`
	FailureReason  string     `grove:"failure_reason"`
	PaidAt         *time.Time `grove:"paid_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toPurchaseModel(p *overage.Purchase) *purchaseModel {
	return &purchaseModel{
		ID:             p.ID.String(),
		UserID:         p.UserID,
		SubscriptionID: p.SubscriptionID.String(),
		IdempotencyKey: p.IdempotencyKey,
		Units:          p.Units,
		UnitPrice:      p.UnitPrice.Amount,
		Amount:         p.Amount.Amount,
		Currency:       p.Amount.Currency,
		Status:         string(p.Status),
		ProcessorRef:   p.ProcessorRef,
		FailureReason:  p.FailureReason,
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func fromPurchaseModel(m *purchaseModel) (*overage.Purchase, error) {
	purchaseID, err := id.ParsePurchaseID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &overage.Purchase{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             purchaseID,
		UserID:         m.UserID,
		SubscriptionID: subID,
		IdempotencyKey: m.IdempotencyKey,
		Units:          m.Units,
		UnitPrice:      types.New(m.UnitPrice, m.Currency),
		Amount:         types.New(m.Amount, m.Currency),
		Status:         overage.Status(m.Status),
		ProcessorRef:   m.ProcessorRef,
		FailureReason:  m.FailureReason,
		PaidAt:         m.PaidAt,
	}, nil
}
