package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/overage"
)

// DefaultMaxWebhookBytes caps webhook bodies.
const DefaultMaxWebhookBytes = 1 << 20

// Handler serves the billing routes.
type Handler struct {
	billing         *billing.Billing
	validate        *validator.Validate
	logger          *slog.Logger
	signatureHeader string
	maxWebhookBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithSignatureHeader names the header carrying the webhook signature.
// Defaults to Stripe-Signature.
func WithSignatureHeader(name string) Option {
	return func(h *Handler) { h.signatureHeader = name }
}

// WithMaxWebhookBytes caps the accepted webhook body size.
func WithMaxWebhookBytes(n int64) Option {
	return func(h *Handler) { h.maxWebhookBytes = n }
}

// NewHandler creates a Handler over b.
func NewHandler(b *billing.Billing, opts ...Option) *Handler {
	h := &Handler{
		billing:         b,
		validate:        newValidator(),
		logger:          b.Logger(),
		signatureHeader: "Stripe-Signature",
		maxWebhookBytes: DefaultMaxWebhookBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.billing.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.billing.ListPlans())
}

func (h *Handler) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	res, err := h.billing.CheckAccess(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	rec, err := h.billing.ConsumeCredit(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type purchaseBody struct {
	UserID       string `json:"userId,omitempty"`
	UnitCount    int64  `json:"unitCount"`
	RequestToken string `json:"requestToken,omitempty"`
}

func (h *Handler) handlePurchaseOverage(w http.ResponseWriter, r *http.Request) {
	subject, _ := UserFromContext(r.Context())

	var body purchaseBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	userID := subject
	if body.UserID != "" && body.UserID != subject {
		if billing.RoleFromContext(r.Context()) != billing.RoleAdmin {
			writeForbidden(w, "cannot purchase for another user")
			return
		}
		userID = body.UserID
	}

	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		token = body.RequestToken
	}

	req := billing.PurchaseRequest{
		UserID:         userID,
		Units:          body.UnitCount,
		IdempotencyKey: token,
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, validationError(err))
		return
	}

	rec, err := h.billing.PurchaseOverage(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	opts := overage.ListOpts{Status: overage.Status(r.URL.Query().Get("status"))}
	var err error
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if opts.Offset, err = intParam(r, "offset"); err != nil {
		h.writeError(w, r, err)
		return
	}

	purchases, err := h.billing.ListPurchases(r.Context(), userID, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if purchases == nil {
		purchases = []*overage.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	rec, err := h.billing.GetSubscription(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type subscribeBody struct {
	PlanID string `json:"planId" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var body subscribeBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.writeError(w, r, validationError(err))
		return
	}

	rec, err := h.billing.Subscribe(r.Context(), billing.SubscribeRequest{
		UserID: userID,
		Email:  body.Email,
		PlanID: body.PlanID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type changePlanBody struct {
	PlanID string `json:"planId" validate:"required"`
}

func (h *Handler) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var body changePlanBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.writeError(w, r, validationError(err))
		return
	}

	rec, err := h.billing.ChangePlan(r.Context(), userID, body.PlanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	atPeriodEnd := false
	if v := r.URL.Query().Get("atPeriodEnd"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, billing.ValidationError{Field: "atPeriodEnd", Message: "must be a boolean"})
			return
		}
		atPeriodEnd = b
	}

	rec, err := h.billing.CancelSubscription(r.Context(), userID, atPeriodEnd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleWebhook acknowledges every verified notification the engine could
// act on. Events rejected as invalid are acknowledged too, since redelivery
// carries the same payload. Any other reconciliation failure answers 5xx so
// the processor redelivers: 503 for temporary errors, 500 otherwise.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body", Kind: string(billing.KindInvalidRequest)})
		return
	}

	ev, outcome, err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get(h.signatureHeader))
	switch {
	case err == nil:
	case ev == nil:
		if !errors.Is(err, billing.ErrProviderNotConfigured) {
			h.logger.Warn("webhook rejected", "error", err)
		}
		h.writeError(w, r, err)
		return
	case billing.Kind(err) == billing.KindInvalidRequest:
		h.logger.Warn("webhook event not applicable",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
	default:
		h.logger.Error("webhook reconciliation failed",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
		status := http.StatusInternalServerError
		if billing.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorBody{Error: "reconciliation failed", Kind: string(billing.Kind(err))})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, billing.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
