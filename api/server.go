/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. metrics:    Prometheus request counters and latency
  4. CORS:       Cross-origin requests for internal HR tools

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.GetEntries)
			r.Post("/deposits", h.CreateDeposit)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Post("/{reference}/finalize", h.Finalize)
			r.Post("/{reference}/release", h.Release)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/accrual/run", h.RunAccrual)
			r.Post("/expiry/run", h.RunExpiry)
			r.Post("/rollover", h.Rollover)
		})
	})

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metricsHandler())

	return r
}
