package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/subscription"
)

var _ store.Store = (*Store)(nil)

// Store keeps everything in maps behind one mutex. Every method holds the
// lock for its whole read-modify-write, which gives the same atomicity the
// SQL backends get from conditional UPDATEs.
type Store struct {
	mu sync.RWMutex

	// Subscription storage
	records    map[string]*subscription.Record // by record id
	byUser     map[string]string               // user id -> record id
	byExternal map[string]string               // external subscription ref -> record id
	purchases  map[string]*overage.Purchase    // by purchase id
	byIdemKey  map[string]string               // user id + key -> purchase id
	closed     bool
}

func New() *Store {
	return &Store{
		records:    make(map[string]*subscription.Record),
		byUser:     make(map[string]string),
		byExternal: make(map[string]string),
		purchases:  make(map[string]*overage.Purchase),
		byIdemKey:  make(map[string]string),
	}
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(_ context.Context, r *subscription.Record) (*subscription.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recID, ok := s.byUser[r.UserID]; ok {
		return s.records[recID].Clone(), false, nil
	}
	if r.ExternalSubscriptionRef != "" {
		if _, taken := s.byExternal[r.ExternalSubscriptionRef]; taken {
			return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, r.ExternalSubscriptionRef)
		}
	}

	stored := r.Clone()
	s.records[stored.ID.String()] = stored
	s.byUser[stored.UserID] = stored.ID.String()
	if stored.ExternalSubscriptionRef != "" {
		s.byExternal[stored.ExternalSubscriptionRef] = stored.ID.String()
	}
	return stored.Clone(), true, nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.records[subID.String()]; ok {
		return r.Clone(), nil
	}
	return nil, billing.ErrNoSubscription
}

func (s *Store) GetSubscriptionByUser(_ context.Context, userID string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if recID, ok := s.byUser[userID]; ok {
		return s.records[recID].Clone(), nil
	}
	return nil, billing.ErrNoSubscription
}

func (s *Store) GetSubscriptionByExternalRef(_ context.Context, externalRef string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if recID, ok := s.byExternal[externalRef]; ok && externalRef != "" {
		return s.records[recID].Clone(), nil
	}
	return nil, billing.ErrNoSubscription
}

func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Record
	for _, r := range s.records {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ConsumeCredit(_ context.Context, userID string) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recID, ok := s.byUser[userID]
	if !ok {
		return nil, billing.ErrNoSubscription
	}
	r := s.records[recID]
	if r.Status != subscription.StatusActive || !r.HasCredit() {
		return nil, billing.ConsumeFailure(r)
	}
	r.LessonsGenerated++
	r.Touch()
	return r.Clone(), nil
}

func (s *Store) ApplyProcessorState(_ context.Context, subID id.SubscriptionID, state subscription.ProcessorState) (*subscription.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[subID.String()]
	if !ok {
		return nil, false, billing.ErrNoSubscription
	}
	if ref := state.ExternalSubscriptionRef; ref != "" && ref != r.ExternalSubscriptionRef {
		if owner, taken := s.byExternal[ref]; taken && owner != r.ID.String() {
			return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, ref)
		}
	}

	oldRef := r.ExternalSubscriptionRef
	if !r.Apply(state) {
		return r.Clone(), false, nil
	}
	if r.ExternalSubscriptionRef != oldRef {
		delete(s.byExternal, oldRef)
		s.byExternal[r.ExternalSubscriptionRef] = r.ID.String()
	}
	return r.Clone(), true, nil
}

// ==================== Overage Store ====================

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (s *Store) ReservePurchase(_ context.Context, p *overage.Purchase) (*overage.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid, ok := s.byIdemKey[idemKey(p.UserID, p.IdempotencyKey)]; ok {
		existing := *s.purchases[pid]
		return &existing, false, nil
	}
	stored := *p
	s.purchases[stored.ID.String()] = &stored
	s.byIdemKey[idemKey(p.UserID, p.IdempotencyKey)] = stored.ID.String()
	out := stored
	return &out, true, nil
}

func (s *Store) GetPurchase(_ context.Context, purchaseID id.PurchaseID) (*overage.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.purchases[purchaseID.String()]; ok {
		out := *p
		return &out, nil
	}
	return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
}

func (s *Store) CompletePurchase(_ context.Context, purchaseID id.PurchaseID, processorRef string) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
	}
	r, ok := s.records[p.SubscriptionID.String()]
	if !ok {
		return nil, billing.ErrNoSubscription
	}
	if p.Status == overage.StatusPaid {
		return r.Clone(), nil
	}

	now := time.Now().UTC()
	p.Status = overage.StatusPaid
	p.ProcessorRef = processorRef
	p.FailureReason = ""
	p.PaidAt = &now
	p.UpdatedAt = now

	r.AdditionalLessonsPurchased += p.Units
	r.TotalSpent += p.Amount.Amount
	r.Touch()
	return r.Clone(), nil
}

func (s *Store) FailPurchase(_ context.Context, purchaseID id.PurchaseID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID.String()]
	if !ok {
		return fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
	}
	if p.Status != overage.StatusPending {
		return nil
	}
	p.Status = overage.StatusFailed
	p.FailureReason = reason
	p.Touch()
	return nil
}

func (s *Store) ListPendingPurchases(_ context.Context, olderThan time.Time, limit int) ([]*overage.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*overage.Purchase
	for _, p := range s.purchases {
		if p.Status == overage.StatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, 0, limit), nil
}

func (s *Store) ListPurchases(_ context.Context, userID string, opts overage.ListOpts) ([]*overage.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*overage.Purchase
	for _, p := range s.purchases {
		if p.UserID != userID {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return billing.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
