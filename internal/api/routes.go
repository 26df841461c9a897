package api

import (
	"time"

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

	// 20 deletes burst, then one every 500ms
	deleteLimiter := NewDeleteRateLimiter(20, 500*time.Millisecond)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required when a key is configured)
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Get("/runs", h.ListRuns)
			r.Route("/runs/{id}", func(r chi.Router) {
				r.Use(RunMiddleware(h.store))
				r.Get("/", h.GetRun)
				r.Get("/evaluations", h.ListEvaluations)
				r.Get("/checkpoint/*", h.CheckpointURL)
				r.With(deleteLimiter.Middleware).Delete("/", h.DeleteRun)
			})
		})
	})

	return r
}
