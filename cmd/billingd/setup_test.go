package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing/config"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store/memory"
	sqlitestore "github.com/dramaplan/billing/store/sqlite"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := openStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	s, err = openStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "b.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &sqlitestore.Store{}, s)

	_, err = openStore(ctx, config.StoreConfig{Driver: "dynamo"})
	assert.Error(t, err)
}

func TestOpenCacheNone(t *testing.T) {
	c, err := openCache(context.Background(), &config.Config{Cache: config.CacheConfig{Backend: "none"}})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestNewProviderMock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := newProvider(&config.Config{Provider: "mock"}, logger)
	assert.IsType(t, &mock.Provider{}, p)
}

func TestNewCatalogPriceRefs(t *testing.T) {
	c, err := newCatalog(config.PlansConfig{PriceRefs: map[string]string{"standard": "price_std"}})
	require.NoError(t, err)
	p, err := c.ByProcessorPrice("price_std")
	require.NoError(t, err)
	assert.Equal(t, "standard", p.ID)

	_, err = newCatalog(config.PlansConfig{PriceRefs: map[string]string{"gold": "price_gold"}})
	assert.Error(t, err)
}
