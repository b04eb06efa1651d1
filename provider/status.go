package provider

import "github.com/dramaplan/billing/subscription"

// NormalizeStatus maps a processor status string onto the record's status
// set. Unknown values map to incomplete so they never grant access.
func NormalizeStatus(raw string) subscription.Status {
	s := subscription.Status(raw)
	if s.Valid() {
		return s
	}
	return subscription.StatusIncomplete
}
