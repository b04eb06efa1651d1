package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/observability"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store/memory"
)

func TestMetricsFollowEngineActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg, ""))

	b := billing.New(memory.New(),
		billing.WithProvider(mock.New()),
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithPlugin(metrics),
	)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop() })

	_, err := b.CheckAccess(ctx, "u1")
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)
	_, err = b.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)
	_, err = b.PurchaseOverage(ctx, billing.PurchaseRequest{UserID: "u1", Units: 3, IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntitlementChecks.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntitlementDenied.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SubscriptionProvisioned.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CreditsConsumed.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OveragePurchased.(prometheus.Counter)))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.OverageUnits.(prometheus.Counter)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "billing_credits_consumed_total")
	assert.Contains(t, names, "billing_overage_amount_minor")
}

func TestPrometheusFactoryReusesMetrics(t *testing.T) {
	f := observability.NewPrometheusFactory(prometheus.NewRegistry(), "app")
	a := f.Counter("billing.x")
	b := f.Counter("billing.x")
	a.Inc()
	b.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.(prometheus.Counter)))

	assert.NotPanics(t, func() { observability.NewMetricsExtension(f) })
	assert.NotPanics(t, func() { observability.NewMetricsExtension(f) })
}
