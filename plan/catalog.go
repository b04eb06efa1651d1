package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dramaplan/billing/types"
)

// ErrNotFound is returned for ids the catalog does not define.
var ErrNotFound = errors.New("billing: plan not found")

// AdminPlanID is reserved for the synthesized administrator tier.
const AdminPlanID = "admin"

// Catalog is a fixed set of plans. It has no mutation path after construction.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string
	order   []string
}

// NewCatalog validates plans and builds a catalog.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, errors.New("billing: plan id is required")
		}
		if p.ID == AdminPlanID {
			return nil, fmt.Errorf("billing: plan id %q is reserved", AdminPlanID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("billing: duplicate plan %q", p.ID)
		}
		if p.LessonQuota < Unlimited {
			return nil, fmt.Errorf("billing: plan %q has invalid lesson quota %d", p.ID, p.LessonQuota)
		}
		if p.AllowsOverage && !p.OverageUnitPrice.IsPositive() {
			return nil, fmt.Errorf("billing: plan %q allows overage without a unit price", p.ID)
		}
		c.plans[p.ID] = p.Clone()
		if p.ProcessorPriceRef != "" {
			c.byPrice[p.ProcessorPriceRef] = p.ID
		}
		c.order = append(c.order, p.ID)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.plans[c.order[i]].Price.Amount < c.plans[c.order[j]].Price.Amount
	})
	return c, nil
}

// MustCatalog is NewCatalog for static plan tables.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns a snapshot of the plan.
func (c *Catalog) Get(id string) (Plan, error) {
	if id == AdminPlanID {
		return Admin(), nil
	}
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// ByProcessorPrice maps a processor price id back to its plan.
func (c *Catalog) ByProcessorPrice(ref string) (Plan, error) {
	planID, ok := c.byPrice[ref]
	if !ok {
		return Plan{}, fmt.Errorf("%w: price %s", ErrNotFound, ref)
	}
	return c.Get(planID)
}

// List returns snapshots of every purchasable plan ordered by price.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, planID := range c.order {
		out = append(out, c.plans[planID].Clone())
	}
	return out
}

// Admin is the unlimited, zero-price tier given to administrators.
func Admin() Plan {
	return Plan{
		ID:          AdminPlanID,
		Name:        "Administrator",
		Price:       types.Zero("usd"),
		Interval:    IntervalYear,
		LessonQuota: Unlimited,
		Features:    []string{"unlimited_lessons", "all_features"},
	}
}

// DefaultCatalog is the built-in tier table.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		Plan{
			ID:          "free",
			Name:        "Free",
			Price:       types.USD(0),
			Interval:    IntervalMonth,
			LessonQuota: 3,
			Features:    []string{"basic_lessons"},
		},
		Plan{
			ID:               "standard",
			Name:             "Standard",
			Price:            types.USD(999),
			Interval:         IntervalMonth,
			LessonQuota:      30,
			OverageUnitPrice: types.USD(300),
			AllowsOverage:    true,
			Features:         []string{"basic_lessons", "script_library", "pdf_export"},
		},
		Plan{
			ID:               "pro",
			Name:             "Pro",
			Price:            types.USD(2499),
			Interval:         IntervalMonth,
			LessonQuota:      100,
			OverageUnitPrice: types.USD(200),
			AllowsOverage:    true,
			Features:         []string{"basic_lessons", "script_library", "pdf_export", "priority_generation"},
		},
		Plan{
			ID:          "unlimited",
			Name:        "Unlimited",
			Price:       types.USD(4999),
			Interval:    IntervalMonth,
			LessonQuota: Unlimited,
			Features:    []string{"basic_lessons", "script_library", "pdf_export", "priority_generation"},
		},
		Plan{
			ID:          "lesson_pack",
			Name:        "Lesson Pack",
			Price:       types.USD(1500),
			Interval:    IntervalOneTime,
			LessonQuota: 10,
			Features:    []string{"basic_lessons"},
		},
	)
}

// WithPriceRefs returns a copy of the catalog with processor price ids set
// from refs (plan id -> price id). Unknown plan ids are an error.
func (c *Catalog) WithPriceRefs(refs map[string]string) (*Catalog, error) {
	plans := c.List()
	seen := 0
	for i := range plans {
		if ref, ok := refs[plans[i].ID]; ok {
			plans[i].ProcessorPriceRef = ref
			seen++
		}
	}
	if seen != len(refs) {
		for planID := range refs {
			if _, ok := c.plans[planID]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
			}
		}
	}
	return NewCatalog(plans...)
}
