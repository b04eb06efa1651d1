package notifyhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	notifyhook "github.com/dramaplan/billing/notify_hook"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store/memory"
	"github.com/dramaplan/billing/store/storetest"
)

type published struct {
	subject string
	msg     notifyhook.Message
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var m notifyhook.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent = append(f.sent, published{subject: subject, msg: m})
	return nil
}

func (f *fakePublisher) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.subject)
	}
	return out
}

func TestPublishesEntitlementChanges(t *testing.T) {
	pub := &fakePublisher{}
	b := billing.New(memory.New(),
		billing.WithProvider(mock.New()),
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithPlugin(notifyhook.New(pub, notifyhook.WithSubjectPrefix("drama.billing"))),
	)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop() })

	_, err := b.Subscribe(ctx, billing.SubscribeRequest{UserID: "u1", PlanID: "standard"})
	require.NoError(t, err)
	_, err = b.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)
	_, err = b.PurchaseOverage(ctx, billing.PurchaseRequest{UserID: "u1", Units: 2, IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"drama.billing.subscription.updated",
		"drama.billing.credits.consumed",
		"drama.billing.overage.purchased",
	}, pub.subjects())

	consumed := pub.sent[1].msg
	assert.Equal(t, "u1", consumed.UserID)
	assert.Equal(t, int64(1), consumed.LessonsGenerated)
	assert.Equal(t, int64(29), consumed.RemainingLessons)

	purchased := pub.sent[2].msg
	assert.Equal(t, int64(2), purchased.Units)
	assert.Equal(t, int64(600), purchased.Amount)
	assert.Equal(t, int64(31), purchased.RemainingLessons)
}

func TestPublishFailureDoesNotFailHook(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	ext := notifyhook.New(pub, notifyhook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.NoError(t, ext.OnCreditConsumed(context.Background(), storetest.NewRecord("u1", 5)))
}
