package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP surface. Dispatch, pending, and
// artifact endpoints require an API key; tracking and webhook
// endpoints are signature-guarded instead, since mail clients and the
// provider cannot send custom headers.
func SetupRoutes(h *Handlers, auth *AuthMiddleware, limiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Webhook-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Unauthenticated surface.
	r.Get("/track/open", h.HandleTrackOpen)
	r.Get("/track/click", h.HandleTrackClick)
	r.Post("/webhook/delivery", h.HandleDeliveryWebhook)

	// Authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.Handler)

		r.With(limiter.Handler).Post("/dispatch", h.HandleDispatch)

		r.Post("/pending/create", h.HandlePendingCreate)
		r.Post("/pending/complete", h.HandlePendingComplete)
		r.Get("/pending/status", h.HandlePendingStatus)

		r.Post("/artifact/generate", h.HandleArtifactGenerate)
	})

	return r
}
