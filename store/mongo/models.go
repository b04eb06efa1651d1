package mongo

import (
	"fmt"
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

	ID                         string    `grove:"id,pk"                        bson:"_id"`
	UserID                     string    `grove:"user_id"                      bson:"user_id"`
	ExternalCustomerRef        string    `grove:"external_customer_ref"        bson:"external_customer_ref"`
	ExternalSubscriptionRef    string    `grove:"external_subscription_ref"    bson:"external_subscription_ref"`
	Status                     string    `grove:"status"                       bson:"status"`
	Plan                       planModel `grove:"plan"                         bson:"plan"`
	LessonQuota                int64     `grove:"lesson_quota"                 bson:"lesson_quota"`
	CurrentPeriodStart         time.Time `grove:"current_period_start"         bson:"current_period_start"`
	CurrentPeriodEnd           time.Time `grove:"current_period_end"           bson:"current_period_end"`
	CancelAtPeriodEnd          bool      `grove:"cancel_at_period_end"         bson:"cancel_at_period_end"`
	LessonsGenerated           int64     `grove:"lessons_generated"            bson:"lessons_generated"`
	AdditionalLessonsPurchased int64     `grove:"additional_lessons_purchased" bson:"additional_lessons_purchased"`
	TotalSpent                 int64     `grove:"total_spent"                  bson:"total_spent"`
	CreditedPurchases          []string  `grove:"credited_purchases"           bson:"credited_purchases"`
	ProcessorUpdatedAt         time.Time `grove:"processor_updated_at"         bson:"processor_updated_at"`
	LastPaymentRef             string    `grove:"last_payment_ref"             bson:"last_payment_ref"`
	Version                    int64     `grove:"version"                      bson:"version"`
	CreatedAt                  time.Time `grove:"created_at"                   bson:"created_at"`
	UpdatedAt                  time.Time `grove:"updated_at"                   bson:"updated_at"`
}

// planModel is the plan snapshot embedded in a subscription document.
// The quota is kept at the top level as well so consume filters can use it.
type planModel struct {
	ID                string   `bson:"id"`
	Name              string   `bson:"name"`
	Price             int64    `bson:"price"`
	Currency          string   `bson:"currency"`
	Interval          string   `bson:"interval"`
	OverageUnitPrice  int64    `bson:"overage_unit_price"`
	OverageCurrency   string   `bson:"overage_currency"`
	AllowsOverage     bool     `bson:"allows_overage"`
	Features          []string `bson:"features"`
	ProcessorPriceRef string   `bson:"processor_price_ref"`
}

func toPlanModel(p plan.Plan) planModel {
	features := p.Features
	if features == nil {
		features = []string{}
	}
	return planModel{
		ID:                p.ID,
		Name:              p.Name,
		Price:             p.Price.Amount,
		Currency:          p.Price.Currency,
		Interval:          string(p.Interval),
		OverageUnitPrice:  p.OverageUnitPrice.Amount,
		OverageCurrency:   p.OverageUnitPrice.Currency,
		AllowsOverage:     p.AllowsOverage,
		Features:          features,
		ProcessorPriceRef: p.ProcessorPriceRef,
	}
}

func fromPlanModel(m planModel, quota int64) plan.Plan {
	return plan.Plan{
		ID:                m.ID,
		Name:              m.Name,
		Price:             types.New(m.Price, m.Currency),
		Interval:          plan.Interval(m.Interval),
		LessonQuota:       quota,
		OverageUnitPrice:  types.New(m.OverageUnitPrice, m.OverageCurrency),
		AllowsOverage:     m.AllowsOverage,
		Features:          m.Features,
		ProcessorPriceRef: m.ProcessorPriceRef,
	}
}

func toSubscriptionModel(r *subscription.Record) *subscriptionModel {
	return &subscriptionModel{
		ID:                         r.ID.String(),
		UserID:                     r.UserID,
		ExternalCustomerRef:        r.ExternalCustomerRef,
		ExternalSubscriptionRef:    r.ExternalSubscriptionRef,
		Status:                     string(r.Status),
		Plan:                       toPlanModel(r.Plan),
		LessonQuota:                r.Plan.LessonQuota,
		CurrentPeriodStart:         r.CurrentPeriodStart,
		CurrentPeriodEnd:           r.CurrentPeriodEnd,
		CancelAtPeriodEnd:          r.CancelAtPeriodEnd,
		LessonsGenerated:           r.LessonsGenerated,
		AdditionalLessonsPurchased: r.AdditionalLessonsPurchased,
		TotalSpent:                 r.TotalSpent,
		CreditedPurchases:          []string{},
		ProcessorUpdatedAt:         r.ProcessorUpdatedAt,
		LastPaymentRef:             r.LastPaymentRef,
		CreatedAt:                  r.CreatedAt,
		UpdatedAt:                  r.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Record, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: parse subscription id: %w", err)
	}

	return &subscription.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                         subID,
		UserID:                     m.UserID,
		ExternalCustomerRef:        m.ExternalCustomerRef,
		ExternalSubscriptionRef:    m.ExternalSubscriptionRef,
		Status:                     subscription.Status(m.Status),
		Plan:                       fromPlanModel(m.Plan, m.LessonQuota),
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

	ID             string     `grove:"id,pk"           bson:"_id"`
	UserID         string     `grove:"user_id"         bson:"user_id"`
	SubscriptionID string     `grove:"subscription_id" bson:"subscription_id"`
	IdempotencyKey string     `grove:"idempotency_key" bson:"idempotency_key"`
	Units          int64      `grove:"units"           bson:"units"`
	UnitPrice      int64      `grove:"unit_price"      bson:"unit_price"`
	Amount         int64      `grove:"amount"          bson:"amount"`
	Currency       string     `grove:"currency"        bson:"currency"`
	Status         string     `grove:"status"          bson:"status"`
	ProcessorRef   string     `grove:"processor_ref"   bson:"processor_ref"`
	FailureReason  string     `grove:"failure_reason"  bson:"failure_reason"`
	PaidAt         *time.Time `grove:"paid_at"         bson:"paid_at,omitempty"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
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
		return nil, fmt.Errorf("billing/mongo: parse purchase id: %w", err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: parse subscription id: %w", err)
	}

	var paidAt *time.Time
	if m.PaidAt != nil {
		t := m.PaidAt.UTC()
		paidAt = &t
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
		PaidAt:         paidAt,
	}, nil
}
