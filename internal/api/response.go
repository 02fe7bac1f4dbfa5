package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetpulse/fleetpulse/internal/agent"
	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/core"
	"github.com/fleetpulse/fleetpulse/internal/middleware"
	"github.com/fleetpulse/fleetpulse/internal/registry"
)

// SendJSON writes a JSON response with the given status code
func SendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// SendError writes the standard error envelope shared with the middleware
// chain.
func SendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	middleware.WriteError(w, r, status, code, message, details)
}

// sendDomainError maps engine error types onto HTTP statuses so handlers
// stay free of status plumbing.
func sendDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		unknownServer *core.ErrUnknownServer
		unknownAlias  *registry.ErrUnknownAlias
		unknownRule   *alerting.ErrUnknownRule
		validation    *registry.ValidationError
		connectivity  *agent.ConnectivityError
	)

	switch {
	case errors.As(err, &unknownServer):
		SendError(w, r, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &unknownAlias):
		SendError(w, r, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &unknownRule):
		SendError(w, r, http.StatusNotFound, "RULE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, baseline.ErrInsufficientData):
		SendError(w, r, http.StatusNotFound, "INSUFFICIENT_DATA", err.Error(), nil)
	case errors.As(err, &validation):
		SendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.As(err, &connectivity):
		SendError(w, r, http.StatusBadGateway, "AGENT_UNREACHABLE", err.Error(), nil)
	default:
		logger.Error("unhandled error", "request_id", middleware.RequestIDFrom(r.Context()), "error", err)
		SendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
