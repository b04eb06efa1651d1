package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	billingstore "github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/subscription"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
//
// SQLite has no row locks. Read-modify-write paths open their transaction
// with a write so the database write lock is held before anything is read.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// Open opens the database file at dsn. Callers sharing the file across
// connections should set a busy timeout in the DSN, e.g.
// "billing.db?_pragma=busy_timeout(5000)".
func Open(ctx context.Context, dsn string) (*Store, error) {
	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("billing/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("billing/sqlite: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("billing/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("billing/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, r *subscription.Record) (*subscription.Record, bool, error) {
	m := toSubscriptionModel(r)
	res, err := s.sdb.NewInsert(m).
		OnConflict("(user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, r.ExternalSubscriptionRef)
		}
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		existing, err := s.GetSubscriptionByUser(ctx, r.UserID)
		return existing, false, err
	}
	return r.Clone(), true, nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	return getSubscription(ctx, s.sdb.NewSelect, "id = ?", subID.String())
}

func (s *Store) GetSubscriptionByUser(ctx context.Context, userID string) (*subscription.Record, error) {
	return getSubscription(ctx, s.sdb.NewSelect, "user_id = ?", userID)
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, externalRef string) (*subscription.Record, error) {
	if externalRef == "" {
		return nil, billing.ErrNoSubscription
	}
	return getSubscription(ctx, s.sdb.NewSelect, "external_subscription_ref = ?", externalRef)
}

// getSubscription runs on the pool or inside a transaction, depending on
// which NewSelect it is handed.
func getSubscription(ctx context.Context, newSelect func(...any) *sqlitedriver.SelectQuery, where string, arg any) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := newSelect(m).
		Where(where, arg).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrNoSubscription
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Record, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Record, len(models))
	for i := range models {
		r, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) ConsumeCredit(ctx context.Context, userID string) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewRaw(`
UPDATE billing_subscriptions
SET lessons_generated = lessons_generated + 1, updated_at = ?
WHERE user_id = ?
  AND status = 'active'
  AND (lesson_quota = -1 OR lessons_generated < lesson_quota + additional_lessons_purchased)
RETURNING `+subscriptionColumns, now(), userID).
		Scan(ctx, m)
	if err == nil {
		return fromSubscriptionModel(m)
	}
	if !isNoRows(err) {
		return nil, err
	}

	current, err := s.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return nil, billing.ConsumeFailure(current)
}

func (s *Store) ApplyProcessorState(ctx context.Context, subID id.SubscriptionID, state subscription.ProcessorState) (*subscription.Record, bool, error) {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	// Take the write lock first.
	res, err := tx.NewRaw(`UPDATE billing_subscriptions SET updated_at = updated_at WHERE id = ?`, subID.String()).
		Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if rows == 0 {
		return nil, false, billing.ErrNoSubscription
	}

	rec, err := getSubscription(ctx, tx.NewSelect, "id = ?", subID.String())
	if err != nil {
		return nil, false, err
	}
	if !rec.Apply(state) {
		return rec, false, tx.Commit()
	}

	_, err = tx.NewUpdate(toSubscriptionModel(rec)).
		Column("external_customer_ref", "external_subscription_ref", "status",
			"plan_id", "plan_name", "plan_price", "plan_currency", "plan_interval", "plan_price_ref",
			"lesson_quota", "overage_unit_price", "overage_currency", "allows_overage", "features",
			"current_period_start", "current_period_end", "cancel_at_period_end",
			"processor_updated_at", "last_payment_ref", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, state.ExternalSubscriptionRef)
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// ==================== Overage Store ====================

func (s *Store) ReservePurchase(ctx context.Context, p *overage.Purchase) (*overage.Purchase, bool, error) {
	m := toPurchaseModel(p)
	res, err := s.sdb.NewInsert(m).
		OnConflict("(user_id, idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		existing := new(purchaseModel)
		err := s.sdb.NewSelect(existing).
			Where("user_id = ?", p.UserID).
			Where("idempotency_key = ?", p.IdempotencyKey).
			Scan(ctx)
		if err != nil {
			return nil, false, err
		}
		stored, err := fromPurchaseModel(existing)
		return stored, false, err
	}
	out := *p
	return &out, true, nil
}

func (s *Store) GetPurchase(ctx context.Context, purchaseID id.PurchaseID) (*overage.Purchase, error) {
	m := new(purchaseModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", purchaseID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
		}
		return nil, err
	}
	return fromPurchaseModel(m)
}

// CompletePurchase claims the pending purchase with a conditional UPDATE and
// credits the subscription in the same transaction. A purchase that is
// already paid only reads the subscription back.
func (s *Store) CompletePurchase(ctx context.Context, purchaseID id.PurchaseID, processorRef string) (*subscription.Record, error) {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	t := now()
	res, err := tx.NewUpdate((*purchaseModel)(nil)).
		Set("status = ?", string(overage.StatusPaid)).
		Set("processor_ref = ?", processorRef).
		Set("failure_reason = ''").
		Set("paid_at = ?", t).
		Set("updated_at = ?", t).
		Where("id = ?", purchaseID.String()).
		Where("status <> ?", string(overage.StatusPaid)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	p := new(purchaseModel)
	err = tx.NewSelect(p).
		Where("id = ?", purchaseID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
		}
		return nil, err
	}

	var rec *subscription.Record
	if claimed == 0 {
		rec, err = getSubscription(ctx, tx.NewSelect, "id = ?", p.SubscriptionID)
	} else {
		m := new(subscriptionModel)
		err = tx.NewRaw(`
UPDATE billing_subscriptions
SET additional_lessons_purchased = additional_lessons_purchased + ?,
    total_spent = total_spent + ?,
    updated_at = ?
WHERE id = ?
RETURNING `+subscriptionColumns, p.Units, p.Amount, t, p.SubscriptionID).
			Scan(ctx, m)
		if isNoRows(err) {
			err = billing.ErrNoSubscription
		}
		if err == nil {
			rec, err = fromSubscriptionModel(m)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) FailPurchase(ctx context.Context, purchaseID id.PurchaseID, reason string) error {
	res, err := s.sdb.NewUpdate((*purchaseModel)(nil)).
		Set("status = ?", string(overage.StatusFailed)).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", now()).
		Where("id = ?", purchaseID.String()).
		Where("status = ?", string(overage.StatusPending)).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetPurchase(ctx, purchaseID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*overage.Purchase, error) {
	var models []purchaseModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(overage.StatusPending)).
		Where("created_at < ?", olderThan.UTC()).
		OrderExpr("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromPurchaseModels(models)
}

func (s *Store) ListPurchases(ctx context.Context, userID string, opts overage.ListOpts) ([]*overage.Purchase, error) {
	var models []purchaseModel
	q := s.sdb.NewSelect(&models).Where("user_id = ?", userID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromPurchaseModels(models)
}

// ==================== Helpers ====================

func fromPurchaseModels(models []purchaseModel) ([]*overage.Purchase, error) {
	result := make([]*overage.Purchase, len(models))
	for i := range models {
		p, err := fromPurchaseModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
