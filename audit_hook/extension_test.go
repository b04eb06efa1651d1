package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	audithook "github.com/dramaplan/billing/audit_hook"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store/memory"
)

type capture struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *capture) Record(_ context.Context, e *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

func newEngine(t *testing.T, p *mock.Provider, ext *audithook.Extension) *billing.Billing {
	t.Helper()
	b := billing.New(memory.New(),
		billing.WithProvider(p),
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithPlugin(ext),
	)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestAuditTrail(t *testing.T) {
	rec := &capture{}
	b := newEngine(t, mock.New(), audithook.New(rec))
	ctx := context.Background()

	_, err := b.CheckAccess(ctx, "u1")
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)
	_, err = b.CheckAccess(ctx, "u1")
	require.NoError(t, err)
	_, err = b.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		audithook.ActionEntitlementDenied,
		audithook.ActionSubscriptionProvisioned,
		audithook.ActionCreditConsumed,
	}, rec.actions())

	provisioned := rec.events[1]
	assert.Equal(t, audithook.ResourceSubscription, provisioned.Resource)
	assert.Equal(t, "standard", provisioned.Metadata["plan_id"])
}

func TestFailedOverageIsAuditedWithReason(t *testing.T) {
	rec := &capture{}
	p := mock.New()
	b := newEngine(t, p, audithook.New(rec, audithook.WithEnabledActions(audithook.ActionOverageFailed)))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)

	p.ChargeErr = errors.New("card declined")
	_, err = b.PurchaseOverage(ctx, billing.PurchaseRequest{UserID: "u1", Units: 1, IdempotencyKey: "k"})
	require.ErrorIs(t, err, billing.ErrExternalBillingFailure)

	require.Equal(t, []string{audithook.ActionOverageFailed}, rec.actions())
	assert.Equal(t, audithook.SeverityError, rec.events[0].Severity)
	assert.Contains(t, rec.events[0].Reason, "card declined")
}

func TestDisabledActions(t *testing.T) {
	rec := &capture{}
	b := newEngine(t, mock.New(), audithook.New(rec, audithook.WithDisabledActions(audithook.ActionEntitlementDenied)))

	_, err := b.CheckAccess(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, rec.actions())
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("audit store down")
	})
	ext := audithook.New(failing, audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.NoError(t, ext.OnLimitReached(context.Background(), "u1"))
}
