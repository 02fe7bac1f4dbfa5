// Package api exposes the engine's query surface over HTTP with JWT
// authentication.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetpulse/fleetpulse/internal/auth"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/core"
	"github.com/fleetpulse/fleetpulse/internal/middleware"
)

// NewRouter builds the HTTP router with all routes and middleware wired.
// ready backs the /ready probe; nil means always ready.
func NewRouter(engine *core.Engine, authService *auth.Service, ready func(ctx context.Context) error, cfg *config.Config, logger *slog.Logger) http.Handler {
	h := NewHandlers(engine, authService, ready, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			cfg.CORS.AllowedOrigins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	r.Get("/health", h.HandleHealthCheck)
	r.Get("/ready", h.HandleReadyCheck)
	r.Post("/api/v1/login", h.HandleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(authService))

		r.Get("/servers", h.HandleListServers)
		r.Get("/servers/{alias}/status", h.HandleGetServerStatus)
		r.Post("/servers/{alias}/enable", h.HandleEnableServer)
		r.Post("/servers/{alias}/disable", h.HandleDisableServer)

		r.Get("/servers/{alias}/health", h.HandleHealthScore)
		r.Get("/servers/{alias}/baseline", h.HandleGetBaseline)

		r.Get("/alerts", h.HandleCheckAlerts)
		r.Get("/alerts/summary", h.HandleAlertSummary)
		r.Get("/alerts/history", h.HandleAlertHistory)

		r.Get("/rules", h.HandleListRules)
		r.Get("/rules/{name}", h.HandleGetRule)

		r.Get("/anomalies", h.HandleAnomalies)
	})

	return r
}
