// Package notifyhook publishes entitlement-affecting billing changes to a
// message bus so other services can refresh what they show the user.
package notifyhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plugin"
	"github.com/dramaplan/billing/subscription"
)

var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnShutdown                = (*Extension)(nil)
	_ plugin.OnSubscriptionProvisioned = (*Extension)(nil)
	_ plugin.OnPlanChanged             = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*Extension)(nil)
	_ plugin.OnSubscriptionReconciled  = (*Extension)(nil)
	_ plugin.OnCreditConsumed          = (*Extension)(nil)
	_ plugin.OnOveragePurchased        = (*Extension)(nil)
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectSubscriptionUpdated = "subscription.updated"
	SubjectCreditsConsumed     = "credits.consumed"
	SubjectOveragePurchased    = "overage.purchased"
)

// Publisher sends one message.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes on a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify_hook: connect %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish implements Publisher. Core NATS publishing is fire-and-forget;
// ctx is only checked before sending.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Message is the payload of every notification.
type Message struct {
	Kind             string    `json:"kind"`
	UserID           string    `json:"userId"`
	SubscriptionID   string    `json:"subscriptionId,omitempty"`
	Status           string    `json:"status,omitempty"`
	PlanID           string    `json:"planId,omitempty"`
	LessonsGenerated int64     `json:"lessonsGenerated"`
	RemainingLessons int64     `json:"remainingLessons"`
	PurchaseID       string    `json:"purchaseId,omitempty"`
	Units            int64     `json:"units,omitempty"`
	Amount           int64     `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Extension is the notification plugin.
type Extension struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithSubjectPrefix sets the subject prefix. Defaults to "billing".
func WithSubjectPrefix(prefix string) Option {
	return func(e *Extension) { e.prefix = prefix }
}

// New creates an Extension publishing through pub.
func New(pub Publisher, opts ...Option) *Extension {
	e := &Extension{
		pub:    pub,
		prefix: "billing",
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "notify-hook" }

// OnShutdown closes the publisher when it owns a connection.
func (e *Extension) OnShutdown(context.Context) error {
	if c, ok := e.pub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (e *Extension) OnSubscriptionProvisioned(ctx context.Context, rec *subscription.Record) error {
	return e.subscriptionUpdated(ctx, rec, "provisioned")
}

func (e *Extension) OnPlanChanged(ctx context.Context, rec *subscription.Record, _ string) error {
	return e.subscriptionUpdated(ctx, rec, "plan_changed")
}

func (e *Extension) OnSubscriptionCanceled(ctx context.Context, rec *subscription.Record) error {
	return e.subscriptionUpdated(ctx, rec, "canceled")
}

func (e *Extension) OnSubscriptionReconciled(ctx context.Context, rec *subscription.Record, _ *event.Event) error {
	return e.subscriptionUpdated(ctx, rec, "reconciled")
}

func (e *Extension) OnCreditConsumed(ctx context.Context, rec *subscription.Record) error {
	msg := e.fromRecord(rec, "credit_consumed")
	return e.publish(ctx, SubjectCreditsConsumed, msg)
}

func (e *Extension) OnOveragePurchased(ctx context.Context, p *overage.Purchase, rec *subscription.Record) error {
	msg := e.fromRecord(rec, "overage_purchased")
	msg.PurchaseID = p.ID.String()
	msg.Units = p.Units
	msg.Amount = p.Amount.Amount
	msg.Currency = p.Amount.Currency
	return e.publish(ctx, SubjectOveragePurchased, msg)
}

func (e *Extension) subscriptionUpdated(ctx context.Context, rec *subscription.Record, kind string) error {
	return e.publish(ctx, SubjectSubscriptionUpdated, e.fromRecord(rec, kind))
}

func (e *Extension) fromRecord(rec *subscription.Record, kind string) *Message {
	return &Message{
		Kind:             kind,
		UserID:           rec.UserID,
		SubscriptionID:   rec.ID.String(),
		Status:           string(rec.Status),
		PlanID:           rec.Plan.ID,
		LessonsGenerated: rec.LessonsGenerated,
		RemainingLessons: rec.Remaining(),
		OccurredAt:       e.now(),
	}
}

func (e *Extension) publish(ctx context.Context, suffix string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify_hook: encode %s: %w", suffix, err)
	}
	subject := suffix
	if e.prefix != "" {
		subject = e.prefix + "." + suffix
	}
	if err := e.pub.Publish(ctx, subject, data); err != nil {
		e.logger.Warn("notify_hook: publish failed",
			"subject", subject,
			"user_id", msg.UserID,
			"error", err,
		)
	}
	return nil
}
