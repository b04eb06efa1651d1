package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/dramaplan/billing/entitlement"
	"github.com/dramaplan/billing/event"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/subscription"
)

// DefaultTimeout bounds every hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages plugins and dispatches hook calls.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Cached hook implementations
	onInit                    []OnInit
	onShutdown                []OnShutdown
	onSubscriptionProvisioned []OnSubscriptionProvisioned
	onPlanChanged             []OnPlanChanged
	onSubscriptionCanceled    []OnSubscriptionCanceled
	onSubscriptionReconciled  []OnSubscriptionReconciled
	onEventOrphaned           []OnEventOrphaned
	onEntitlementChecked      []OnEntitlementChecked
	onCreditConsumed          []OnCreditConsumed
	onLimitReached            []OnLimitReached
	onOveragePurchased        []OnOveragePurchased
	onOverageFailed           []OnOverageFailed
	onWebhookReceived         []OnWebhookReceived
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionProvisioned); ok {
		r.onSubscriptionProvisioned = append(r.onSubscriptionProvisioned, v)
	}
	if v, ok := p.(OnPlanChanged); ok {
		r.onPlanChanged = append(r.onPlanChanged, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionReconciled); ok {
		r.onSubscriptionReconciled = append(r.onSubscriptionReconciled, v)
	}
	if v, ok := p.(OnEventOrphaned); ok {
		r.onEventOrphaned = append(r.onEventOrphaned, v)
	}
	if v, ok := p.(OnEntitlementChecked); ok {
		r.onEntitlementChecked = append(r.onEntitlementChecked, v)
	}
	if v, ok := p.(OnCreditConsumed); ok {
		r.onCreditConsumed = append(r.onCreditConsumed, v)
	}
	if v, ok := p.(OnLimitReached); ok {
		r.onLimitReached = append(r.onLimitReached, v)
	}
	if v, ok := p.(OnOveragePurchased); ok {
		r.onOveragePurchased = append(r.onOveragePurchased, v)
	}
	if v, ok := p.(OnOverageFailed); ok {
		r.onOverageFailed = append(r.onOverageFailed, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedHooks(p),
	)
	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnSubscriptionProvisioned", reflect.TypeOf((*OnSubscriptionProvisioned)(nil)).Elem()},
	{"OnPlanChanged", reflect.TypeOf((*OnPlanChanged)(nil)).Elem()},
	{"OnSubscriptionCanceled", reflect.TypeOf((*OnSubscriptionCanceled)(nil)).Elem()},
	{"OnSubscriptionReconciled", reflect.TypeOf((*OnSubscriptionReconciled)(nil)).Elem()},
	{"OnEventOrphaned", reflect.TypeOf((*OnEventOrphaned)(nil)).Elem()},
	{"OnEntitlementChecked", reflect.TypeOf((*OnEntitlementChecked)(nil)).Elem()},
	{"OnCreditConsumed", reflect.TypeOf((*OnCreditConsumed)(nil)).Elem()},
	{"OnLimitReached", reflect.TypeOf((*OnLimitReached)(nil)).Elem()},
	{"OnOveragePurchased", reflect.TypeOf((*OnOveragePurchased)(nil)).Elem()},
	{"OnOverageFailed", reflect.TypeOf((*OnOverageFailed)(nil)).Elem()},
	{"OnWebhookReceived", reflect.TypeOf((*OnWebhookReceived)(nil)).Elem()},
}

// implementedHooks lists the hook interfaces p satisfies, for logging.
func implementedHooks(p Plugin) []string {
	var out []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			out = append(out, h.name)
		}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// snapshot copies a hook slice under the read lock.
func snapshot[T any](r *Registry, hooks *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]T(nil), (*hooks)...)
}

// dispatch calls fn for each hook and logs failures. A failing plugin never
// fails the operation that emitted the event.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, b interface{}) {
	dispatch(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, b)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitSubscriptionProvisioned(ctx context.Context, rec *subscription.Record) {
	dispatch(ctx, r, "OnSubscriptionProvisioned", snapshot(r, &r.onSubscriptionProvisioned), func(p OnSubscriptionProvisioned) error {
		return p.OnSubscriptionProvisioned(ctx, rec)
	})
}

func (r *Registry) EmitPlanChanged(ctx context.Context, rec *subscription.Record, oldPlanID string) {
	dispatch(ctx, r, "OnPlanChanged", snapshot(r, &r.onPlanChanged), func(p OnPlanChanged) error {
		return p.OnPlanChanged(ctx, rec, oldPlanID)
	})
}

func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, rec *subscription.Record) {
	dispatch(ctx, r, "OnSubscriptionCanceled", snapshot(r, &r.onSubscriptionCanceled), func(p OnSubscriptionCanceled) error {
		return p.OnSubscriptionCanceled(ctx, rec)
	})
}

func (r *Registry) EmitSubscriptionReconciled(ctx context.Context, rec *subscription.Record, ev *event.Event) {
	dispatch(ctx, r, "OnSubscriptionReconciled", snapshot(r, &r.onSubscriptionReconciled), func(p OnSubscriptionReconciled) error {
		return p.OnSubscriptionReconciled(ctx, rec, ev)
	})
}

func (r *Registry) EmitEventOrphaned(ctx context.Context, ev *event.Event) {
	dispatch(ctx, r, "OnEventOrphaned", snapshot(r, &r.onEventOrphaned), func(p OnEventOrphaned) error {
		return p.OnEventOrphaned(ctx, ev)
	})
}

func (r *Registry) EmitEntitlementChecked(ctx context.Context, userID string, result *entitlement.Result) {
	dispatch(ctx, r, "OnEntitlementChecked", snapshot(r, &r.onEntitlementChecked), func(p OnEntitlementChecked) error {
		return p.OnEntitlementChecked(ctx, userID, result)
	})
}

func (r *Registry) EmitCreditConsumed(ctx context.Context, rec *subscription.Record) {
	dispatch(ctx, r, "OnCreditConsumed", snapshot(r, &r.onCreditConsumed), func(p OnCreditConsumed) error {
		return p.OnCreditConsumed(ctx, rec)
	})
}

func (r *Registry) EmitLimitReached(ctx context.Context, userID string) {
	dispatch(ctx, r, "OnLimitReached", snapshot(r, &r.onLimitReached), func(p OnLimitReached) error {
		return p.OnLimitReached(ctx, userID)
	})
}

func (r *Registry) EmitOveragePurchased(ctx context.Context, purchase *overage.Purchase, rec *subscription.Record) {
	dispatch(ctx, r, "OnOveragePurchased", snapshot(r, &r.onOveragePurchased), func(p OnOveragePurchased) error {
		return p.OnOveragePurchased(ctx, purchase, rec)
	})
}

func (r *Registry) EmitOverageFailed(ctx context.Context, purchase *overage.Purchase, cause error) {
	dispatch(ctx, r, "OnOverageFailed", snapshot(r, &r.onOverageFailed), func(p OnOverageFailed) error {
		return p.OnOverageFailed(ctx, purchase, cause)
	})
}

func (r *Registry) EmitWebhookReceived(ctx context.Context, provider string, ev *event.Event) {
	dispatch(ctx, r, "OnWebhookReceived", snapshot(r, &r.onWebhookReceived), func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, provider, ev)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
