package billing

import "github.com/dramaplan/billing/id"

// ID is the identifier type of billing records.
type ID = id.ID
