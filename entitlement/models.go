package entitlement

// Denial reasons surfaced to clients.
const (
	ReasonNoSubscription = "no subscription"
	ReasonNotActive      = "subscription not active"
	ReasonLimitReached   = "Lesson limit reached"
)

// Result answers "may this user generate a lesson now". RemainingLessons is
// -1 for unlimited plans. Reason is null when CanGenerate is true.
type Result struct {
	CanGenerate      bool    `json:"canGenerate"`
	Reason           *string `json:"reason"`
	RemainingLessons int64   `json:"remainingLessons"`
}

func denied(reason string) *Result {
	return &Result{CanGenerate: false, Reason: &reason, RemainingLessons: 0}
}
