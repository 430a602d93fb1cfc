package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Routes mounts every billing endpoint on a chi router wrapped in CORS
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/prepare", h.PreparePayment)
		r.Post("/payments/confirm", h.ConfirmPayment)
		r.Get("/payments/history/{userID}", h.PaymentHistory)

		r.Post("/billing/register", h.RegisterBillingKey)
		r.Post("/billing/charge", h.ChargeSubscription)

		r.Post("/subscriptions/cancel", h.CancelSubscription)
		r.Get("/subscriptions/{userID}", h.ActiveSubscription)

		// Gateways sign the raw body, so webhooks skip JSON decoding here
		r.Post("/webhooks/{provider}", h.Webhook)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: h.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}
