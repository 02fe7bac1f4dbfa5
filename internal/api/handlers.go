package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/auth"
	"github.com/fleetpulse/fleetpulse/internal/core"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// Handlers bundles the HTTP endpoints over the analytics engine.
type Handlers struct {
	engine *core.Engine
	auth   *auth.Service
	ready  func(ctx context.Context) error
	logger *slog.Logger
}

// NewHandlers creates the handler set. ready probes the backing store for the
// readiness endpoint; a nil func means always ready.
func NewHandlers(engine *core.Engine, authService *auth.Service, ready func(ctx context.Context) error, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		auth:   authService,
		ready:  ready,
		logger: logger.With("component", "api"),
	}
}

// HandleLogin authenticates and issues a JWT token
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", nil)
		return
	}

	resp, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
		return
	}

	SendJSON(w, http.StatusOK, resp)
}

// HandleListServers returns all registered targets in insertion order
func (h *Handlers) HandleListServers(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]interface{}{
		"servers": h.engine.ListServers(),
	})
}

// HandleGetServerStatus reports the latest connectivity for one server
func (h *Handlers) HandleGetServerStatus(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")

	status, err := h.engine.GetServerStatus(alias)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, status)
}

// HandleEnableServer marks a target pollable again
func (h *Handlers) HandleEnableServer(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")

	if err := h.engine.Registry().Enable(alias); err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"alias": alias, "state": "enabled"})
}

// HandleDisableServer excludes a target from polling
func (h *Handlers) HandleDisableServer(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")

	if err := h.engine.Registry().Disable(alias); err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"alias": alias, "state": "disabled"})
}

// HandleCheckAlerts returns current alert states, fleet-wide or for one
// server when ?server= is given.
func (h *Handlers) HandleCheckAlerts(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("server")

	states, err := h.engine.CheckAlertConditions(alias)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": states,
		"count":  len(states),
	})
}

// HandleAlertSummary aggregates the current alert landscape
func (h *Handlers) HandleAlertSummary(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, h.engine.AlertSummary())
}

// HandleAlertHistory returns transition events newest first. Supports
// ?server=, ?since= (RFC 3339), ?severity= and ?limit=.
func (h *Handlers) HandleAlertHistory(w http.ResponseWriter, r *http.Request) {
	filter := alerting.HistoryFilter{
		ServerAlias: r.URL.Query().Get("server"),
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			SendError(w, r, http.StatusBadRequest, "INVALID_REQUEST",
				"since must be an RFC 3339 timestamp", nil)
			return
		}
		filter.Since = since
	}

	if raw := r.URL.Query().Get("severity"); raw != "" {
		severity, err := models.ParseSeverity(raw)
		if err != nil {
			SendError(w, r, http.StatusBadRequest, "INVALID_REQUEST",
				"severity must be one of ok, warning, critical", nil)
			return
		}
		filter.Severity = &severity
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			SendError(w, r, http.StatusBadRequest, "INVALID_REQUEST",
				"limit must be a positive integer", nil)
			return
		}
		filter.Limit = limit
	}

	events, err := h.engine.GetAlertHistory(filter)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// HandleListRules returns the loaded alert rules
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]interface{}{
		"rules": h.engine.Rules(),
	})
}

// HandleGetRule looks up one alert rule by name
func (h *Handlers) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rule, err := h.engine.Rule(name)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, rule)
}

// HandleHealthScore returns the latest composite health score for a server
func (h *Handlers) HandleHealthScore(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")

	score, err := h.engine.GenerateHealthScore(alias)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, score)
}

// HandleAnomalies returns current anomaly findings, fleet-wide or for one
// server when ?server= is given.
func (h *Handlers) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("server")

	findings, err := h.engine.DetectAnomalies(alias)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": findings,
		"count":     len(findings),
	})
}

// HandleGetBaseline returns the rolling statistics for one server metric
func (h *Handlers) HandleGetBaseline(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	metricPath := r.URL.Query().Get("metric")
	if metricPath == "" {
		SendError(w, r, http.StatusBadRequest, "INVALID_REQUEST",
			"metric query parameter is required", nil)
		return
	}

	stats, err := h.engine.GetBaseline(alias, metricPath)
	if err != nil {
		sendDomainError(w, r, h.logger, err)
		return
	}

	SendJSON(w, http.StatusOK, stats)
}

// HandleHealthCheck is the unauthenticated liveness probe
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadyCheck is the unauthenticated readiness probe. It fails while the
// backing store is unreachable so load balancers hold traffic.
func (h *Handlers) HandleReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness probe failed", "error", err)
			SendError(w, r, http.StatusServiceUnavailable, "NOT_READY", "Backing store unavailable", nil)
			return
		}
	}
	SendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
