package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/queries", h.ListQueries)
			r.Get("/query/{id}", h.GetQuery)
			r.Put("/query/{id}", h.UpdateQuery)
			r.Put("/query/{id}/send", h.SendQuery)

			r.Post("/trigger", h.Trigger)

			r.Get("/start-sync", h.StartSync)
			r.Post("/run-sync", h.RunSync)
			r.Get("/sync-progress", h.SyncProgress)
		})
	})

	return r
}
