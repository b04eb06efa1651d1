// Package config loads billingd settings from an optional billing.yaml,
// a development .env file and BILLING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for billingd.
type Config struct {
	Provider string        `mapstructure:"provider" validate:"oneof=stripe mock"`
	Server   ServerConfig  `mapstructure:"server"`
	Log      LogConfig     `mapstructure:"log"`
	Store    StoreConfig   `mapstructure:"store"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Stripe   StripeConfig  `mapstructure:"stripe"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
	NATS     NATSConfig    `mapstructure:"nats"`
	Sweeper  SweeperConfig `mapstructure:"sweeper"`
	Plans    PlansConfig   `mapstructure:"plans"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MetricsPath     string        `mapstructure:"metrics_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// SlogLevel maps Level to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres sqlite mongo"`
	// DSN is a postgres URL, a sqlite file path or a mongodb URI.
	DSN string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	// Database names the mongo database.
	Database    string `mapstructure:"database"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=none memory redis"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

type StripeConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Tolerance     time.Duration `mapstructure:"tolerance" validate:"gte=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
}

type WebhookConfig struct {
	// SkipVerification accepts unsigned payloads. Local development only.
	SkipVerification bool   `mapstructure:"skip_verification"`
	SignatureHeader  string `mapstructure:"signature_header" validate:"required"`
	MaxBytes         int64  `mapstructure:"max_bytes" validate:"gt=0"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

type SweeperConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Schedule     string        `mapstructure:"schedule" validate:"required_if=Enabled true"`
	PendingAfter time.Duration `mapstructure:"pending_after" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
}

type PlansConfig struct {
	// PriceRefs maps catalog plan ids to processor price ids.
	PriceRefs map[string]string `mapstructure:"price_refs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "stripe")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "billing")
	v.SetDefault("store.auto_migrate", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "billing:entitlement:")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.tolerance", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("webhook.skip_verification", false)
	v.SetDefault("webhook.signature_header", "Stripe-Signature")
	v.SetDefault("webhook.max_bytes", 1<<20)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "billing")
	v.SetDefault("nats.name", "billingd")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 1m")
	v.SetDefault("sweeper.pending_after", 10*time.Minute)
	v.SetDefault("sweeper.batch_size", 50)
}

// Load reads the configuration. When file is empty, billing.yaml is looked
// up in the working directory and /etc/billing, and its absence is not an
// error. Environment variables override the file: store.dsn is read from
// BILLING_STORE_DSN.
func Load(file string) (*Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load() //nolint:errcheck // optional

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/billing")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field rules and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Provider == "stripe" {
		if c.Stripe.APIKey == "" {
			return errors.New("config: stripe.api_key is required for the stripe provider")
		}
		if c.Stripe.WebhookSecret == "" && !c.Webhook.SkipVerification {
			return errors.New("config: stripe.webhook_secret is required unless webhook.skip_verification is set")
		}
	}
	if c.Cache.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis cache")
	}
	return nil
}
