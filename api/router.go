// Package api exposes the billing engine over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config controls the router. JWTSecret is required; every /v1 route except
// the webhook rejects requests without a valid HS256 bearer token.
type Config struct {
	JWTSecret      []byte
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the chi router for h.
func NewRouter(h *Handler, cfg Config) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/billing", h.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(Authenticator(cfg.JWTSecret))

			r.Get("/plans", h.handleListPlans)
			r.Get("/entitlement", h.handleCheckAccess)
			r.Post("/credits/consume", h.handleConsume)

			r.Post("/overage", h.handlePurchaseOverage)
			r.Get("/overage/purchases", h.handleListPurchases)

			r.Get("/subscription", h.handleGetSubscription)
			r.Post("/subscription", h.handleSubscribe)
			r.Put("/subscription/plan", h.handleChangePlan)
			r.Delete("/subscription", h.handleCancel)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
