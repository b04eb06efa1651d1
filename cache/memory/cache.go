// Package memory is an in-process entitlement cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dramaplan/billing/entitlement"
)

var _ entitlement.Cache = (*Cache)(nil)

type entry struct {
	result  entitlement.Result
	expires time.Time
}

// Cache is a TTL map keyed by user id. Expired entries are dropped lazily on
// read.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]entry
	generations map[string]uint64
	now         func() time.Time
}

func New() *Cache {
	return &Cache{
		entries:     make(map[string]entry),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

func (c *Cache) Get(_ context.Context, userID string) (*entitlement.Result, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()

	if !ok {
		return nil, entitlement.ErrCacheMiss
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, still := c.entries[userID]; still && cur.expires.Equal(e.expires) {
			delete(c.entries, userID)
		}
		c.mu.Unlock()
		return nil, entitlement.ErrCacheMiss
	}
	return copyResult(e.result), nil
}

func (c *Cache) Generation(_ context.Context, userID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[userID], nil
}

// Set stores result unless userID was invalidated after gen was read.
func (c *Cache) Set(_ context.Context, userID string, gen uint64, result *entitlement.Result, ttl time.Duration) error {
	if result == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[userID] != gen {
		return nil
	}
	c.entries[userID] = entry{result: *copyResult(*result), expires: c.now().Add(ttl)}
	return nil
}

func (c *Cache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, userID)
	c.generations[userID]++
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func copyResult(r entitlement.Result) *entitlement.Result {
	if r.Reason != nil {
		reason := *r.Reason
		r.Reason = &reason
	}
	return &r
}
