package extension

import (
	"time"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/plugin"
	"github.com/dramaplan/billing/store"
)

// Option configures the billing Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithBillingOption passes a billing.Option through to the engine.
func WithBillingOption(opt billing.Option) Option {
	return func(e *Extension) {
		e.billingOpts = append(e.billingOpts, opt)
	}
}

// WithPlugin registers a billing plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.billingOpts = append(e.billingOpts, billing.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP handler registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for billing routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithJWTSecret sets the bearer token secret for the billing routes.
func WithJWTSecret(secret string) Option {
	return func(e *Extension) { e.config.JWTSecret = secret }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithEntitlementCacheTTL sets the entitlement cache duration.
func WithEntitlementCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.EntitlementCacheTTL = d }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension constructs the matching store backend (postgres/sqlite/mongo)
// from the grove driver. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
