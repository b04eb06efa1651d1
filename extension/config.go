package extension

import "time"

// Config holds the billing extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.billing" or "billing" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being registered.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix the billing routes are mounted under
	// (default: "/billing").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// EntitlementCacheTTL controls how long access decisions are cached
	// before re-reading the store (default: 30s).
	EntitlementCacheTTL time.Duration `json:"entitlement_cache_ttl" mapstructure:"entitlement_cache_ttl" yaml:"entitlement_cache_ttl"`

	// JWTSecret verifies bearer tokens on the billing routes. Required
	// unless DisableRoutes is set.
	JWTSecret string `json:"jwt_secret" mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and constructs
	// the matching store for its driver (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:            "/billing",
		EntitlementCacheTTL: 30 * time.Second,
	}
}
