package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vireshop/checkout/internal/repository"
	"github.com/vireshop/checkout/internal/service"
	"github.com/vireshop/checkout/pkg/health"
	"github.com/vireshop/checkout/pkg/middleware"
)

// RouterDeps bundles everything the HTTP surface needs.
type RouterDeps struct {
	Reservations   *service.ReservationService
	Recovery       *service.RecoveryService
	Webhooks       *service.WebhookService
	Stock          repository.StockRepository
	Idempotency    repository.IdempotencyStore
	IdempotencyTTL time.Duration
	Health         *health.Handler
	Logger         *slog.Logger
}

// NewRouter creates a chi router with all checkout service routes registered.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CORS)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogging(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.PrometheusMetrics("checkout"))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	checkoutHandler := NewCheckoutHandler(deps.Reservations, deps.Recovery, deps.Logger)
	stockHandler := NewStockHandler(deps.Stock, deps.Logger)
	webhookHandler := NewWebhookHandler(deps.Webhooks, deps.Logger)

	idempotent := Idempotency(deps.Idempotency, deps.IdempotencyTTL, deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Route("/checkout", func(r chi.Router) {
			r.With(idempotent).Post("/reserve", checkoutHandler.Reserve)
			r.Post("/recover/{token}", checkoutHandler.Recover)

			r.Route("/{reservationID}", func(r chi.Router) {
				r.Get("/", checkoutHandler.Get)
				r.Get("/status", checkoutHandler.GetStatus)
				r.With(idempotent).Post("/payment-intent", checkoutHandler.CreatePaymentIntent)
				r.With(idempotent).Post("/confirm", checkoutHandler.Confirm)
				r.Post("/cancel", checkoutHandler.Cancel)
			})
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/{variantID}", stockHandler.Get)
			r.Put("/{variantID}", stockHandler.Set)
			r.Get("/{variantID}/log", stockHandler.ListLog)
		})

		r.Post("/webhooks/payment", webhookHandler.HandlePayment)
	})

	return r
}
