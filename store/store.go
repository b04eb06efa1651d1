package store

import (
	"context"

	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/subscription"
)

// Store is the unified storage interface for billing records. Every backend
// (memory, postgres, sqlite, mongo) implements it in full.
type Store interface {
	subscription.Store
	overage.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
