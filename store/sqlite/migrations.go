package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the billing store (SQLite).
var Migrations = migrate.NewGroup("billing")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_billing_subscriptions",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_subscriptions (
    id                           TEXT PRIMARY KEY,
    user_id                      TEXT NOT NULL,
    external_customer_ref        TEXT NOT NULL DEFAULT '',
    external_subscription_ref    TEXT NOT NULL DEFAULT '',
    status                       TEXT NOT NULL DEFAULT 'incomplete',
    plan_id                      TEXT NOT NULL DEFAULT '',
    plan_name                    TEXT NOT NULL DEFAULT '',
    plan_price                   INTEGER NOT NULL DEFAULT 0,
    plan_currency                TEXT NOT NULL DEFAULT 'usd',
    plan_interval                TEXT NOT NULL DEFAULT 'month',
    plan_price_ref               TEXT NOT NULL DEFAULT '',
    lesson_quota                 INTEGER NOT NULL DEFAULT 0,
    overage_unit_price           INTEGER NOT NULL DEFAULT 0,
    overage_currency             TEXT NOT NULL DEFAULT 'usd',
    allows_overage               INTEGER NOT NULL DEFAULT 0,
    features                     TEXT NOT NULL DEFAULT '[]',
    current_period_start         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    current_period_end           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    cancel_at_period_end         INTEGER NOT NULL DEFAULT 0,
    lessons_generated            INTEGER NOT NULL DEFAULT 0 CHECK (lessons_generated >= 0),
    additional_lessons_purchased INTEGER NOT NULL DEFAULT 0 CHECK (additional_lessons_purchased >= 0),
    total_spent                  INTEGER NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
    processor_updated_at         TIMESTAMP NOT NULL DEFAULT '0001-01-01 00:00:00+00:00',
    last_payment_ref             TEXT NOT NULL DEFAULT '',
    created_at                   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at                   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_subscriptions_user ON billing_subscriptions (user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_subscriptions_external
    ON billing_subscriptions (external_subscription_ref) WHERE external_subscription_ref <> '';
CREATE INDEX IF NOT EXISTS idx_billing_subscriptions_status ON billing_subscriptions (status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_overage_purchases",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_overage_purchases (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    subscription_id TEXT NOT NULL REFERENCES billing_subscriptions (id),
    idempotency_key TEXT NOT NULL,
    units           INTEGER NOT NULL CHECK (units > 0),
    unit_price      INTEGER NOT NULL,
    amount          INTEGER NOT NULL,
    currency        TEXT NOT NULL DEFAULT 'usd',
    status          TEXT NOT NULL DEFAULT 'pending',
    processor_ref   TEXT NOT NULL DEFAULT '',
    failure_reason  TEXT NOT NULL DEFAULT '',
    paid_at         TIMESTAMP,
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_overage_purchases_key
    ON billing_overage_purchases (user_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_billing_overage_purchases_pending
    ON billing_overage_purchases (created_at) WHERE status = 'pending';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_overage_purchases`)
				return err
			},
		},
	)
}
