// Package billing is the subscription and lesson-entitlement core of a
// lesson-planning application for drama educators.
//
// It decides whether a user may generate a lesson, consumes lesson credits,
// sells additional credits as paid overage, and keeps local subscription
// state consistent with an external billing processor. It is a library: the
// HTTP surface in package api and the service in cmd/billingd are thin
// layers over the engine.
//
// # Quick Start
//
//	import (
//	    "github.com/dramaplan/billing"
//	    stripeprovider "github.com/dramaplan/billing/provider/stripe"
//	    "github.com/dramaplan/billing/store/memory"
//	)
//
//	b := billing.New(memory.New(),
//	    billing.WithProvider(stripeprovider.New(stripeprovider.Config{APIKey: key, WebhookSecret: secret})),
//	)
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop()
//
// # Entitlement
//
// CheckAccess returns {canGenerate, reason, remainingLessons}. A record
// whose status is not active always denies. Unlimited plans report -1
// remaining lessons. Otherwise remaining is quota + purchased - generated,
// floored at zero:
//
//	res, err := b.CheckAccess(ctx, userID)
//	if res.CanGenerate {
//	    // generate, then
//	    rec, err := b.ConsumeCredit(ctx, userID)
//	}
//
// ConsumeCredit is a single conditional write in every store backend, so two
// concurrent requests for the last credit produce exactly one success.
//
// Administrators (billing.WithRole(ctx, billing.RoleAdmin)) are provisioned
// on the unlimited admin plan the first time they are checked.
//
// # Overage
//
// PurchaseOverage charges units * overage unit price and credits the units
// only after the processor confirms. Each purchase is reserved under the
// client's idempotency key first; retries of the same key never charge twice.
//
// # Reconciliation
//
// Processor webhooks are decoded into event.Event values and reconciled with
// Reconcile. Events only ever overwrite processor-owned fields (status,
// period, plan snapshot, refs) under a timestamp guard, so duplicate and
// out-of-order deliveries converge on the newest state. The lesson counters
// are never written on this path.
//
// # TypeID
//
// Records use TypeIDs:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription record
//	opur_01h455vb4pex5vsknk084sn02q  // Overage purchase
package billing
