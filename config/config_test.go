package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithMockProvider(t *testing.T) {
	path := writeFile(t, `
provider: mock
auth:
  jwt_secret: 0123456789abcdef
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.PendingAfter)
	assert.Equal(t, "Stripe-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
provider: mock
store:
  driver: postgres
  dsn: postgres://file
auth:
  jwt_secret: 0123456789abcdef
plans:
  price_refs:
    standard: price_std
`)
	t.Setenv("BILLING_STORE_DSN", "postgres://env")
	t.Setenv("BILLING_LOG_LEVEL", "debug")
	t.Setenv("BILLING_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Store.DSN)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, map[string]string{"standard": "price_std"}, cfg.Plans.PriceRefs)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing jwt secret", "provider: mock\n"},
		{"unknown driver", "provider: mock\nauth: {jwt_secret: 0123456789abcdef}\nstore: {driver: oracle}\n"},
		{"sql driver without dsn", "provider: mock\nauth: {jwt_secret: 0123456789abcdef}\nstore: {driver: sqlite}\n"},
		{"stripe without key", "provider: stripe\nauth: {jwt_secret: 0123456789abcdef}\n"},
		{"stripe without webhook secret", "provider: stripe\nauth: {jwt_secret: 0123456789abcdef}\nstripe: {api_key: sk_test_x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestStripeWithSkippedVerification(t *testing.T) {
	path := writeFile(t, `
provider: stripe
stripe:
  api_key: sk_test_x
webhook:
  skip_verification: true
auth:
  jwt_secret: 0123456789abcdef
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Webhook.SkipVerification)
}
