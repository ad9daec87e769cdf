package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/trustline/server/internal/http/handlers"
	"github.com/trustline/server/internal/middleware"
)

// NewRouter creates the HTTP router for the webhook surface. All state
// changes flow through the session core; there is no other API.
func NewRouter(webhookHandler *handlers.WebhookHandler, webhookSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// Webhooks are provider-to-server traffic: authenticated by HMAC
	// signature, flood-guarded per IP. 120/min per IP is far above any
	// legitimate provider callback rate.
	webhookLimiter := middleware.NewIPRateLimiter(time.Minute, 120)

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.VerifySignature(webhookSecret))
		r.Use(middleware.RateLimit(webhookLimiter))
		r.Post("/message", webhookHandler.HandleInboundMessage)
		r.Post("/status", webhookHandler.HandleStatusCallback)
	})

	return r
}
