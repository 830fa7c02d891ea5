package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/stablewatch/internal/api/handlers"
	"github.com/Fantasim/stablewatch/internal/api/middleware"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/store"
	"github.com/Fantasim/stablewatch/internal/sweep"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(db *store.DB, cfg *config.Config, deriver handlers.Deriver, gas *sweep.Monitor) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogging)

	slog.Info("router initialized", "middleware", []string{"requestLogging", "apiKey"})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health(cfg, Version))

		// Everything else requires the API key.
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(cfg.APIKey))

			r.Post("/watch", handlers.StartWatch(db, cfg, deriver))
			r.Delete("/watch/{id}", handlers.StopWatch(db))
			r.Post("/watch/{id}/complete", handlers.CompleteWatch(db))
			r.Get("/watches", handlers.ListWatches(db))
			r.Get("/stats", handlers.Stats(db))
			r.Get("/gas", handlers.Gas(gas))
		})
	})

	return r
}
