package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	billingstore "github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/subscription"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects to dsn and wraps the connection in a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("billing/postgres: open: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("billing/postgres: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("billing/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("billing/postgres: migration failed: %w", err)
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

// CreateSubscription relies on the unique user_id index: a losing concurrent
// insert affects no rows and reads back the winner.
func (s *Store) CreateSubscription(ctx context.Context, r *subscription.Record) (*subscription.Record, bool, error) {
	m := toSubscriptionModel(r)
	res, err := s.pg.NewInsert(m).
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
	return s.getSubscription(ctx, "id = $1", subID.String())
}

func (s *Store) GetSubscriptionByUser(ctx context.Context, userID string) (*subscription.Record, error) {
	return s.getSubscription(ctx, "user_id = $1", userID)
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, externalRef string) (*subscription.Record, error) {
	if externalRef == "" {
		return nil, billing.ErrNoSubscription
	}
	return s.getSubscription(ctx, "external_subscription_ref = $1", externalRef)
}

func (s *Store) getSubscription(ctx context.Context, where string, arg any) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
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

// ConsumeCredit is a single conditional UPDATE. When it matches no row the
// record is re-read only to report why.
func (s *Store) ConsumeCredit(ctx context.Context, userID string) (*subscription.Record, error) {
	m := new(subscriptionModel)
	err := s.pg.NewRaw(`
UPDATE billing_subscriptions
SET lessons_generated = lessons_generated + 1, updated_at = $2
WHERE user_id = $1
  AND status = 'active'
  AND (lesson_quota = -1 OR lessons_generated < lesson_quota + additional_lessons_purchased)
RETURNING `+subscriptionColumns, userID, now()).
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

// ApplyProcessorState locks the row, runs the staleness check in Go, and
// writes back only the processor-owned columns.
func (s *Store) ApplyProcessorState(ctx context.Context, subID id.SubscriptionID, state subscription.ProcessorState) (*subscription.Record, bool, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	m := new(subscriptionModel)
	err = tx.NewSelect(m).
		Where("id = $1", subID.String()).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, false, billing.ErrNoSubscription
		}
		return nil, false, err
	}
	rec, err := fromSubscriptionModel(m)
	if err != nil {
		return nil, false, err
	}
	if !rec.Apply(state) {
		return rec, false, tx.Commit()
	}

	u := toSubscriptionModel(rec)
	_, err = tx.NewUpdate(u).
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
	res, err := s.pg.NewInsert(m).
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
		err := s.pg.NewSelect(existing).
			Where("user_id = $1", p.UserID).
			Where("idempotency_key = $2", p.IdempotencyKey).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", purchaseID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
		}
		return nil, err
	}
	return fromPurchaseModel(m)
}

// CompletePurchase flips the purchase to paid and credits the subscription
// in one transaction. The purchase row lock serializes concurrent completions.
func (s *Store) CompletePurchase(ctx context.Context, purchaseID id.PurchaseID, processorRef string) (*subscription.Record, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	p := new(purchaseModel)
	err = tx.NewSelect(p).
		Where("id = $1", purchaseID.String()).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
		}
		return nil, err
	}

	m := new(subscriptionModel)
	if p.Status == string(overage.StatusPaid) {
		err = tx.NewSelect(m).Where("id = $1", p.SubscriptionID).Scan(ctx)
	} else {
		t := now()
		_, err = tx.NewUpdate((*purchaseModel)(nil)).
			Set("status = $1", string(overage.StatusPaid)).
			Set("processor_ref = $2", processorRef).
			Set("failure_reason = ''").
			Set("paid_at = $3", t).
			Set("updated_at = $4", t).
			Where("id = $5", p.ID).
			Exec(ctx)
		if err != nil {
			return nil, err
		}
		err = tx.NewRaw(`
UPDATE billing_subscriptions
SET additional_lessons_purchased = additional_lessons_purchased + $2,
    total_spent = total_spent + $3,
    updated_at = $4
WHERE id = $1
RETURNING `+subscriptionColumns, p.SubscriptionID, p.Units, p.Amount, t).
			Scan(ctx, m)
	}
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrNoSubscription
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) FailPurchase(ctx context.Context, purchaseID id.PurchaseID, reason string) error {
	res, err := s.pg.NewUpdate((*purchaseModel)(nil)).
		Set("status = $1", string(overage.StatusFailed)).
		Set("failure_reason = $2", reason).
		Set("updated_at = $3", now()).
		Where("id = $4", purchaseID.String()).
		Where("status = $5", string(overage.StatusPending)).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Already settled, or missing.
		if _, err := s.GetPurchase(ctx, purchaseID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*overage.Purchase, error) {
	var models []purchaseModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(overage.StatusPending)).
		Where("created_at < $2", olderThan).
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
	q := s.pg.NewSelect(&models).Where("user_id = $1", userID)

	argIdx := 1
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
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

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
