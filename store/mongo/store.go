package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	billingstore "github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "billing_subscriptions"
	colPurchases     = "billing_overage_purchases"
)

// maxApplyAttempts bounds the optimistic retry loop in ApplyProcessorState.
const maxApplyAttempts = 5

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Counter changes are single-document atomic updates. Processor state is
// written with a version check, and purchase credits are recorded on the
// subscription document so a retried completion cannot credit twice.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Open connects to uri and uses database for all collections.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	mdb := mongodriver.New()
	var opts []mongodriver.MongoOption
	if database != "" {
		opts = append(opts, mongodriver.WithDatabase(database))
	}
	if err := mdb.Open(ctx, uri, opts...); err != nil {
		return nil, fmt.Errorf("billing/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("billing/mongo: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all billing collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("billing/mongo: migrate %s indexes: %w", col, err)
		}
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err == nil {
		return r.Clone(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("billing/mongo: create subscription: %w", err)
	}

	// Either the user already has a record or the external ref is taken.
	existing, getErr := s.GetSubscriptionByUser(ctx, r.UserID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, billing.ErrNoSubscription) {
		return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, r.ExternalSubscriptionRef)
	}
	return nil, false, getErr
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Record, error) {
	return s.findSubscription(ctx, bson.M{"_id": subID.String()})
}

func (s *Store) GetSubscriptionByUser(ctx context.Context, userID string) (*subscription.Record, error) {
	return s.findSubscription(ctx, bson.M{"user_id": userID})
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, externalRef string) (*subscription.Record, error) {
	if externalRef == "" {
		return nil, billing.ErrNoSubscription
	}
	return s.findSubscription(ctx, bson.M{"external_subscription_ref": externalRef})
}

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (*subscription.Record, error) {
	m, err := s.findSubscriptionModel(ctx, filter)
	if err != nil {
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) findSubscriptionModel(ctx context.Context, filter bson.M) (*subscriptionModel, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrNoSubscription
		}
		return nil, fmt.Errorf("billing/mongo: get subscription: %w", err)
	}
	return &m, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Record, error) {
	var models []subscriptionModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list subscriptions: %w", err)
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

// ConsumeCredit matches only a document with credit left, so the check and
// the increment are one atomic operation.
func (s *Store) ConsumeCredit(ctx context.Context, userID string) (*subscription.Record, error) {
	filter := bson.M{
		"user_id": userID,
		"status":  string(subscription.StatusActive),
		"$or": bson.A{
			bson.M{"lesson_quota": int64(-1)},
			bson.M{"$expr": bson.M{"$lt": bson.A{
				"$lessons_generated",
				bson.M{"$add": bson.A{"$lesson_quota", "$additional_lessons_purchased"}},
			}}},
		},
	}
	update := bson.M{
		"$inc": bson.M{"lessons_generated": 1},
		"$set": bson.M{"updated_at": now()},
	}

	var m subscriptionModel
	err := s.mdb.Collection(colSubscriptions).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err == nil {
		return fromSubscriptionModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("billing/mongo: consume credit: %w", err)
	}

	current, err := s.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return nil, billing.ConsumeFailure(current)
}

func (s *Store) ApplyProcessorState(ctx context.Context, subID id.SubscriptionID, state subscription.ProcessorState) (*subscription.Record, bool, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		m, err := s.findSubscriptionModel(ctx, bson.M{"_id": subID.String()})
		if err != nil {
			return nil, false, err
		}
		rec, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, false, err
		}
		if !rec.Apply(state) {
			return rec, false, nil
		}

		u := toSubscriptionModel(rec)
		res, err := s.mdb.Collection(colSubscriptions).UpdateOne(ctx,
			bson.M{"_id": m.ID, "version": m.Version},
			bson.M{
				"$set": bson.M{
					"external_customer_ref":     u.ExternalCustomerRef,
					"external_subscription_ref": u.ExternalSubscriptionRef,
					"status":                    u.Status,
					"plan":                      u.Plan,
					"lesson_quota":              u.LessonQuota,
					"current_period_start":      u.CurrentPeriodStart,
					"current_period_end":        u.CurrentPeriodEnd,
					"cancel_at_period_end":      u.CancelAtPeriodEnd,
					"processor_updated_at":      u.ProcessorUpdatedAt,
					"last_payment_ref":          u.LastPaymentRef,
					"updated_at":                u.UpdatedAt,
				},
				"$inc": bson.M{"version": 1},
			})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, false, fmt.Errorf("%w: external subscription %s", billing.ErrAlreadyExists, state.ExternalSubscriptionRef)
			}
			return nil, false, fmt.Errorf("billing/mongo: apply processor state: %w", err)
		}
		if res.MatchedCount == 1 {
			return rec, true, nil
		}
	}
	return nil, false, fmt.Errorf("billing/mongo: apply processor state: %w", billing.ErrTransactionFailed)
}

// ==================== Overage Store ====================

func (s *Store) ReservePurchase(ctx context.Context, p *overage.Purchase) (*overage.Purchase, bool, error) {
	m := toPurchaseModel(p)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err == nil {
		out := *p
		return &out, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("billing/mongo: reserve purchase: %w", err)
	}

	var existing purchaseModel
	err = s.mdb.NewFind(&existing).
		Filter(bson.M{"user_id": p.UserID, "idempotency_key": p.IdempotencyKey}).
		Scan(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("billing/mongo: reserve purchase: %w", err)
	}
	stored, err := fromPurchaseModel(&existing)
	return stored, false, err
}

func (s *Store) GetPurchase(ctx context.Context, purchaseID id.PurchaseID) (*overage.Purchase, error) {
	var m purchaseModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": purchaseID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: purchase %s", billing.ErrNotFound, purchaseID)
		}
		return nil, fmt.Errorf("billing/mongo: get purchase: %w", err)
	}
	return fromPurchaseModel(&m)
}

// CompletePurchase credits the subscription first, guarded by the purchase id
// recorded in credited_purchases, then marks the purchase paid. A crash
// between the two steps is repaired by the next call.
func (s *Store) CompletePurchase(ctx context.Context, purchaseID id.PurchaseID, processorRef string) (*subscription.Record, error) {
	p, err := s.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status == overage.StatusPaid {
		return s.GetSubscription(ctx, p.SubscriptionID)
	}

	t := now()
	pid := p.ID.String()
	_, err = s.mdb.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": p.SubscriptionID.String(), "credited_purchases": bson.M{"$ne": pid}},
		bson.M{
			"$inc": bson.M{
				"additional_lessons_purchased": p.Units,
				"total_spent":                  p.Amount.Amount,
			},
			"$push": bson.M{"credited_purchases": pid},
			"$set":  bson.M{"updated_at": t},
		})
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: credit purchase: %w", err)
	}

	_, err = s.mdb.NewUpdate((*purchaseModel)(nil)).
		Filter(bson.M{"_id": pid, "status": bson.M{"$ne": string(overage.StatusPaid)}}).
		Set("status", string(overage.StatusPaid)).
		Set("processor_ref", processorRef).
		Set("failure_reason", "").
		Set("paid_at", t).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: complete purchase: %w", err)
	}

	return s.GetSubscription(ctx, p.SubscriptionID)
}

func (s *Store) FailPurchase(ctx context.Context, purchaseID id.PurchaseID, reason string) error {
	res, err := s.mdb.NewUpdate((*purchaseModel)(nil)).
		Filter(bson.M{"_id": purchaseID.String(), "status": string(overage.StatusPending)}).
		Set("status", string(overage.StatusFailed)).
		Set("failure_reason", reason).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: fail purchase: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetPurchase(ctx, purchaseID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]*overage.Purchase, error) {
	var models []purchaseModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":     string(overage.StatusPending),
			"created_at": bson.M{"$lt": olderThan},
		}).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list pending purchases: %w", err)
	}
	return fromPurchaseModels(models)
}

func (s *Store) ListPurchases(ctx context.Context, userID string, opts overage.ListOpts) ([]*overage.Purchase, error) {
	var models []purchaseModel

	filter := bson.M{"user_id": userID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list purchases: %w", err)
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all billing collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "external_subscription_ref", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"external_subscription_ref": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colPurchases: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}
