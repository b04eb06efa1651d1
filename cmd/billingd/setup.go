package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dramaplan/billing/config"
	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/provider/mock"
	stripeprovider "github.com/dramaplan/billing/provider/stripe"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/store/memory"
	mongostore "github.com/dramaplan/billing/store/mongo"
	pgstore "github.com/dramaplan/billing/store/postgres"
	sqlitestore "github.com/dramaplan/billing/store/sqlite"

	memcache "github.com/dramaplan/billing/cache/memory"
	rediscache "github.com/dramaplan/billing/cache/redis"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "billingd")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return pgstore.Open(ctx, cfg.DSN)
	case "sqlite":
		return sqlitestore.Open(ctx, cfg.DSN)
	case "mongo":
		return mongostore.Open(ctx, cfg.DSN, cfg.Database)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openCache returns nil when caching is disabled.
func openCache(ctx context.Context, cfg *config.Config) (entitlement.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return rediscache.Open(ctx, rediscache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "memory":
		return memcache.New(), nil
	default:
		return nil, nil
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger) provider.Provider {
	if cfg.Provider == "mock" {
		logger.Warn("using mock payment provider")
		return mock.New()
	}
	if cfg.Webhook.SkipVerification {
		logger.Warn("webhook signature verification is disabled")
	}
	return stripeprovider.New(stripeprovider.Config{
		APIKey:           cfg.Stripe.APIKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		SkipVerification: cfg.Webhook.SkipVerification,
		Tolerance:        cfg.Stripe.Tolerance,
	}, stripeprovider.WithLogger(logger))
}

func newCatalog(cfg config.PlansConfig) (*plan.Catalog, error) {
	if len(cfg.PriceRefs) == 0 {
		return plan.DefaultCatalog(), nil
	}
	return plan.DefaultCatalog().WithPriceRefs(cfg.PriceRefs)
}
