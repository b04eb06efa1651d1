package plan

import (
	"time"

	"github.com/dramaplan/billing/types"
)

// Unlimited is the LessonQuota sentinel for plans without a lesson cap.
const Unlimited int64 = -1

type Interval string

const (
	IntervalMonth   Interval = "month"
	IntervalYear    Interval = "year"
	IntervalOneTime Interval = "one_time"
)

// Plan is a catalog tier. Records hold a copy taken when the plan was
// assigned, so catalog changes never rewrite existing subscriptions.
type Plan struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Price             types.Money `json:"price"`
	Interval          Interval    `json:"interval"`
	LessonQuota       int64       `json:"lessonQuota"`
	OverageUnitPrice  types.Money `json:"overageUnitPrice"`
	AllowsOverage     bool        `json:"allowsOverage"`
	Features          []string    `json:"features"`
	ProcessorPriceRef string      `json:"-"`
}

func (p Plan) IsUnlimited() bool { return p.LessonQuota == Unlimited }

func (p Plan) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p Plan) Clone() Plan {
	if p.Features != nil {
		p.Features = append([]string(nil), p.Features...)
	}
	return p
}

// PeriodEnd returns the end of a billing window opened at start. One-time
// purchases get a month of access.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	if p.Interval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
