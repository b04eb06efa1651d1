// Package extension provides the Forge extension adapter for the billing
// engine.
//
// It implements the forge.Extension interface to integrate billing into a
// Forge application with store discovery through grove, DI registration of
// the engine and its HTTP handler, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.billing" or "billing" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/api"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/store/memory"
	mongostore "github.com/dramaplan/billing/store/mongo"
	pgstore "github.com/dramaplan/billing/store/postgres"
	sqlitestore "github.com/dramaplan/billing/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "billing"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription entitlements and lesson credits"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// HandlerName is the DI name of the billing http.Handler.
const HandlerName = "billing:http"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the billing engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config      Config
	engine      *billing.Billing
	store       store.Store
	billingOpts []billing.Option
	useGrove    bool
}

// New creates a new billing Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine. This is nil until Register is called.
func (e *Extension) Engine() *billing.Billing { return e.engine }

// Register implements [forge.Extension]. It loads configuration, resolves
// the store, builds the engine and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.resolveStore(fapp)
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = billing.New(e.store, e.buildBillingOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*billing.Billing, error) {
		return e.engine, nil
	}); err != nil {
		return fmt.Errorf("billing: provide engine: %w", err)
	}

	if e.config.DisableRoutes {
		return nil
	}
	if e.config.JWTSecret == "" {
		return errors.New("billing: jwt_secret is required unless routes are disabled")
	}
	handler := e.buildHandler()
	return vessel.ProvideNamed(fapp.Container(), HandlerName, func() (http.Handler, error) {
		return handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	defer e.MarkStopped()
	if e.engine != nil {
		return e.engine.Stop()
	}
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("billing: store not initialized")
	}
	return e.store.Ping(ctx)
}

// resolveStore picks the store backend. Without WithGroveDatabase or a
// configured grove_database the in-memory store is used.
func (e *Extension) resolveStore(fapp forge.App) (store.Store, error) {
	if !e.useGrove && e.config.GroveDatabase == "" {
		e.Logger().Warn("billing: no store configured, using in-memory store")
		return memory.New(), nil
	}

	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](fapp.Container())
	}
	if err != nil {
		return nil, fmt.Errorf("billing: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}
	return storeForDriver(db)
}

// storeForDriver builds the store matching the grove driver behind db.
func storeForDriver(db *grove.DB) (store.Store, error) {
	switch name := db.Driver().Name(); name {
	case "pg":
		return pgstore.New(db), nil
	case "sqlite":
		return sqlitestore.New(db), nil
	case "mongo":
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("billing: unsupported grove driver %q", name)
	}
}

func (e *Extension) buildHandler() http.Handler {
	router := api.NewRouter(api.NewHandler(e.engine, api.WithLogger(e.engine.Logger())), api.Config{
		JWTSecret: []byte(e.config.JWTSecret),
	})
	if e.config.BasePath == "" || e.config.BasePath == "/" {
		return router
	}
	root := chi.NewRouter()
	root.Mount(e.config.BasePath, router)
	return root
}

// buildBillingOpts constructs billing.Option values from the resolved config.
func (e *Extension) buildBillingOpts() []billing.Option {
	opts := make([]billing.Option, 0, len(e.billingOpts)+1)
	if e.config.EntitlementCacheTTL > 0 {
		opts = append(opts, billing.WithEntitlementCacheTTL(e.config.EntitlementCacheTTL))
	}
	// Pass-through options last so callers can override config.
	return append(opts, e.billingOpts...)
}

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("billing: configuration is required but not found in config files; " +
				"ensure 'extensions.billing' or 'billing' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("billing: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("grove_database", e.config.GroveDatabase),
		forge.F("entitlement_cache_ttl", e.config.EntitlementCacheTTL),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.billing", "billing"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("billing: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("billing: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.EntitlementCacheTTL == 0 {
		cfg.EntitlementCacheTTL = defaults.EntitlementCacheTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML wins for values it sets; programmatic values fill the gaps and
// programmatic bool flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.JWTSecret == "" {
		yamlConfig.JWTSecret = programmaticConfig.JWTSecret
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.EntitlementCacheTTL == 0 {
		yamlConfig.EntitlementCacheTTL = programmaticConfig.EntitlementCacheTTL
	}

	return mergeWithDefaults(yamlConfig)
}
