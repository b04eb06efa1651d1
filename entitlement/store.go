package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when no live entry exists.
var ErrCacheMiss = errors.New("billing: entitlement cache miss")

// Cache holds recent Results per user.
//
// Every mutation of a user's record calls Invalidate, which drops the entry
// and advances the user's generation. A reader takes the generation before it
// reads the record and passes it to Set; Set stores nothing when the
// generation moved in between, so a decision computed from a record that was
// overwritten meanwhile never lands in the cache. The TTL only bounds
// staleness from writers that bypass the engine.
type Cache interface {
	Get(ctx context.Context, userID string) (*Result, error)
	Generation(ctx context.Context, userID string) (uint64, error)
	Set(ctx context.Context, userID string, gen uint64, result *Result, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
}
