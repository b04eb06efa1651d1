package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/plan"
	"github.com/dramaplan/billing/plugin"
	"github.com/dramaplan/billing/provider"
	"github.com/dramaplan/billing/store"
)

// DefaultEntitlementCacheTTL bounds how long a cached access decision is
// served when no mutation invalidates it first.
const DefaultEntitlementCacheTTL = 30 * time.Second

// Billing is the entitlement and lesson-credit engine.
type Billing struct {
	store    store.Store
	catalog  *plan.Catalog
	provider provider.Provider
	webhooks provider.WebhookParser
	cache    entitlement.Cache
	plugins  *plugin.Registry
	logger   *slog.Logger

	entitlementCacheTTL time.Duration
	autoMigrate         bool
	now                 func() time.Time
}

// New creates a new Billing engine over s. Without WithCatalog the built-in
// tier table is used; without WithProvider every operation that needs the
// processor fails with ErrProviderNotConfigured.
func New(s store.Store, opts ...Option) *Billing {
	b := &Billing{
		store:               s,
		catalog:             plan.DefaultCatalog(),
		plugins:             plugin.NewRegistry(),
		logger:              slog.Default(),
		entitlementCacheTTL: DefaultEntitlementCacheTTL,
		autoMigrate:         true,
		now:                 func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.webhooks == nil {
		if wp, ok := b.provider.(provider.WebhookParser); ok {
			b.webhooks = wp
		}
	}
	return b
}

// Option configures a Billing instance.
type Option func(*Billing)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Billing) {
		b.logger = logger
		b.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(b *Billing) {
		_ = b.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCatalog replaces the built-in plan catalog.
func WithCatalog(c *plan.Catalog) Option {
	return func(b *Billing) {
		if c != nil {
			b.catalog = c
		}
	}
}

// WithProvider sets the billing processor. When p also implements
// provider.WebhookParser it is used to decode webhooks.
func WithProvider(p provider.Provider) Option {
	return func(b *Billing) {
		b.provider = p
	}
}

// WithWebhookParser sets the webhook decoder explicitly.
func WithWebhookParser(wp provider.WebhookParser) Option {
	return func(b *Billing) {
		b.webhooks = wp
	}
}

// WithCache enables the entitlement cache.
func WithCache(c entitlement.Cache) Option {
	return func(b *Billing) {
		b.cache = c
	}
}

// WithEntitlementCacheTTL sets the entitlement cache TTL. Zero disables caching.
func WithEntitlementCacheTTL(ttl time.Duration) Option {
	return func(b *Billing) {
		b.entitlementCacheTTL = ttl
	}
}

// WithClock overrides the time source used for provisioning and for events
// that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Billing) {
		b.now = now
	}
}

// WithAutoMigrate controls whether Start migrates the store. Enabled by default.
func WithAutoMigrate(enabled bool) Option {
	return func(b *Billing) {
		b.autoMigrate = enabled
	}
}

// Start migrates the store and initializes plugins.
func (b *Billing) Start(ctx context.Context) error {
	if b.autoMigrate {
		if err := b.store.Migrate(ctx); err != nil {
			return err
		}
	}

	b.plugins.EmitInit(ctx, b)

	providerName := "none"
	if b.provider != nil {
		providerName = b.provider.Name()
	}
	b.logger.Info("billing started",
		"provider", providerName,
		"plans", len(b.catalog.List()),
		"plugins", b.plugins.Count(),
		"cache_ttl", b.entitlementCacheTTL,
	)
	return nil
}

// Stop shuts down plugins and closes the store.
func (b *Billing) Stop() error {
	b.plugins.EmitShutdown(context.Background())
	return b.store.Close()
}

// Store returns the underlying store.
func (b *Billing) Store() store.Store { return b.store }

// Catalog returns the plan catalog.
func (b *Billing) Catalog() *plan.Catalog { return b.catalog }

// Plugins returns the plugin registry.
func (b *Billing) Plugins() *plugin.Registry { return b.plugins }

// Provider returns the configured processor, or nil.
func (b *Billing) Provider() provider.Provider { return b.provider }

// Logger returns the engine logger.
func (b *Billing) Logger() *slog.Logger { return b.logger }

// Ping checks the store.
func (b *Billing) Ping(ctx context.Context) error { return b.store.Ping(ctx) }

// ──────────────────────────────────────────────────
// Entitlement cache
// ──────────────────────────────────────────────────

func (b *Billing) cacheEnabled() bool {
	return b.cache != nil && b.entitlementCacheTTL > 0
}

func (b *Billing) cachedResult(ctx context.Context, userID string) *entitlement.Result {
	if !b.cacheEnabled() {
		return nil
	}
	res, err := b.cache.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			b.logger.Debug("entitlement cache read failed", "user_id", userID, "error", err)
		}
		return nil
	}
	return res
}

// cacheGeneration reads the user's cache generation before the record is
// read. ok is false when the result must not be cached.
func (b *Billing) cacheGeneration(ctx context.Context, userID string) (uint64, bool) {
	if !b.cacheEnabled() {
		return 0, false
	}
	gen, err := b.cache.Generation(ctx, userID)
	if err != nil {
		b.logger.Debug("entitlement cache generation read failed", "user_id", userID, "error", err)
		return 0, false
	}
	return gen, true
}

// storeResult caches res unless the user was invalidated since gen was read.
func (b *Billing) storeResult(ctx context.Context, userID string, gen uint64, res *entitlement.Result) {
	if err := b.cache.Set(ctx, userID, gen, res, b.entitlementCacheTTL); err != nil {
		b.logger.Debug("entitlement cache write failed", "user_id", userID, "error", err)
	}
}

func (b *Billing) invalidate(ctx context.Context, userID string) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Invalidate(ctx, userID); err != nil {
		b.logger.Debug("entitlement cache invalidation failed", "user_id", userID, "error", err)
	}
}
