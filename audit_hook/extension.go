// Package audithook bridges billing lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter, or the
// slog-backed recorder, at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/plugin"
	"github.com/dramaplan/billing/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnSubscriptionProvisioned = (*Extension)(nil)
	_ plugin.OnPlanChanged             = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*Extension)(nil)
	_ plugin.OnSubscriptionReconciled  = (*Extension)(nil)
	_ plugin.OnEventOrphaned           = (*Extension)(nil)
	_ plugin.OnEntitlementChecked      = (*Extension)(nil)
	_ plugin.OnCreditConsumed          = (*Extension)(nil)
	_ plugin.OnLimitReached            = (*Extension)(nil)
	_ plugin.OnOveragePurchased        = (*Extension)(nil)
	_ plugin.OnOverageFailed           = (*Extension)(nil)
	_ plugin.OnWebhookReceived         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// NewSlogRecorder writes audit events as structured log lines.
func NewSlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, e *AuditEvent) error {
		level := slog.LevelInfo
		switch e.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, "audit",
			"action", e.Action,
			"resource", e.Resource,
			"resource_id", e.ResourceID,
			"category", e.Category,
			"outcome", e.Outcome,
			"severity", e.Severity,
			"reason", e.Reason,
			"metadata", e.Metadata,
		)
		return nil
	})
}

// Extension bridges billing lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnSubscriptionProvisioned(ctx context.Context, rec *subscription.Record) error {
	return e.record(ctx, ActionSubscriptionProvisioned, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, rec.ID.String(), CategorySubscription, nil,
		"user_id", rec.UserID,
		"plan_id", rec.Plan.ID,
		"status", string(rec.Status),
	)
}

func (e *Extension) OnPlanChanged(ctx context.Context, rec *subscription.Record, oldPlanID string) error {
	return e.record(ctx, ActionPlanChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, rec.ID.String(), CategorySubscription, nil,
		"user_id", rec.UserID,
		"from_plan", oldPlanID,
		"to_plan", rec.Plan.ID,
	)
}

func (e *Extension) OnSubscriptionCanceled(ctx context.Context, rec *subscription.Record) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, rec.ID.String(), CategorySubscription, nil,
		"user_id", rec.UserID,
		"status", string(rec.Status),
		"cancel_at_period_end", rec.CancelAtPeriodEnd,
	)
}

func (e *Extension) OnSubscriptionReconciled(ctx context.Context, rec *subscription.Record, ev *event.Event) error {
	return e.record(ctx, ActionSubscriptionReconciled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, rec.ID.String(), CategoryIntegration, nil,
		"user_id", rec.UserID,
		"event_id", ev.ID,
		"event_kind", string(ev.Kind),
		"status", string(rec.Status),
	)
}

func (e *Extension) OnEventOrphaned(ctx context.Context, ev *event.Event) error {
	return e.record(ctx, ActionEventOrphaned, SeverityWarning, OutcomeFailure,
		ResourceWebhook, ev.ID, CategoryIntegration, nil,
		"event_kind", string(ev.Kind),
		"subscription_ref", ev.ExternalSubscriptionRef,
		"customer_ref", ev.ExternalCustomerRef,
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked audits denials only; allowed checks are too
// frequent to be useful in a trail.
func (e *Extension) OnEntitlementChecked(ctx context.Context, userID string, result *entitlement.Result) error {
	if result == nil || result.CanGenerate {
		return nil
	}
	reason := ""
	if result.Reason != nil {
		reason = *result.Reason
	}
	return e.record(ctx, ActionEntitlementDenied, SeverityInfo, OutcomeFailure,
		ResourceEntitlement, userID, CategoryAccess, nil,
		"user_id", userID,
		"reason", reason,
	)
}

func (e *Extension) OnCreditConsumed(ctx context.Context, rec *subscription.Record) error {
	return e.record(ctx, ActionCreditConsumed, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, rec.UserID, CategoryAccess, nil,
		"user_id", rec.UserID,
		"lessons_generated", rec.LessonsGenerated,
		"remaining", rec.Remaining(),
	)
}

func (e *Extension) OnLimitReached(ctx context.Context, userID string) error {
	return e.record(ctx, ActionLimitReached, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, userID, CategoryAccess, nil,
		"user_id", userID,
	)
}

// ──────────────────────────────────────────────────
// Overage hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnOveragePurchased(ctx context.Context, p *overage.Purchase, _ *subscription.Record) error {
	return e.record(ctx, ActionOveragePurchased, SeverityInfo, OutcomeSuccess,
		ResourcePurchase, p.ID.String(), CategoryPayment, nil,
		"user_id", p.UserID,
		"units", p.Units,
		"amount", p.Amount.String(),
		"processor_ref", p.ProcessorRef,
	)
}

func (e *Extension) OnOverageFailed(ctx context.Context, p *overage.Purchase, cause error) error {
	return e.record(ctx, ActionOverageFailed, SeverityError, OutcomeFailure,
		ResourcePurchase, p.ID.String(), CategoryPayment, cause,
		"user_id", p.UserID,
		"units", p.Units,
		"amount", p.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Processor hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnWebhookReceived(ctx context.Context, provider string, ev *event.Event) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, ev.ID, CategoryIntegration, nil,
		"provider", provider,
		"type", ev.Type,
		"event_kind", string(ev.Kind),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
