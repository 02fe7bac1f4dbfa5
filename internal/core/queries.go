package core

import (
	"time"

	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/models"
	"github.com/fleetpulse/fleetpulse/internal/registry"
)

// Query operations read the latest materialized state without re-triggering
// computation. They never block ingestion beyond a read lock.

// ServerSummary is the adapter-facing view of one registered target.
type ServerSummary struct {
	Alias       string    `json:"alias"`
	Environment string    `json:"environment"`
	Tags        []string  `json:"tags"`
	Enabled     bool      `json:"enabled"`
	LastSeen    time.Time `json:"last_seen"`
}

// ListServers returns every registered target in insertion order.
func (e *Engine) ListServers() []ServerSummary {
	targets := e.registry.List()
	out := make([]ServerSummary, 0, len(targets))
	for _, t := range targets {
		summary := ServerSummary{
			Alias:       t.Alias,
			Environment: t.Environment,
			Tags:        t.Tags,
			Enabled:     t.Enabled,
		}
		if status, err := e.registry.GetStatus(t.Alias); err == nil {
			summary.LastSeen = status.LastSeen
		}
		out = append(out, summary)
	}
	return out
}

// GetServerStatus reports the latest observed connectivity for one server.
func (e *Engine) GetServerStatus(alias string) (registry.Status, error) {
	if _, err := e.registry.Get(alias); err != nil {
		return registry.Status{}, &ErrUnknownServer{Alias: alias}
	}
	return e.registry.GetStatus(alias)
}

// CheckAlertConditions returns current alert states, optionally for one
// server. Unregistered aliases fail rather than returning an empty list.
func (e *Engine) CheckAlertConditions(alias string) ([]models.AlertState, error) {
	if alias != "" {
		if _, err := e.registry.Get(alias); err != nil {
			return nil, &ErrUnknownServer{Alias: alias}
		}
	}
	return e.alerts.CheckConditions(alias), nil
}

// GetAlertHistory returns transition events newest first.
func (e *Engine) GetAlertHistory(filter alerting.HistoryFilter) ([]models.AlertEvent, error) {
	if filter.ServerAlias != "" {
		if _, err := e.registry.Get(filter.ServerAlias); err != nil {
			return nil, &ErrUnknownServer{Alias: filter.ServerAlias}
		}
	}
	return e.alerts.History(filter), nil
}

// GenerateHealthScore returns the latest composite score for a server. A
// registered server that has not completed a scored tick yet reports status
// "unknown" with an empty breakdown.
func (e *Engine) GenerateHealthScore(alias string) (models.HealthScore, error) {
	if _, err := e.registry.Get(alias); err != nil {
		return models.HealthScore{}, &ErrUnknownServer{Alias: alias}
	}
	score, ok := e.health.Latest(alias)
	if !ok {
		return models.HealthScore{
			ServerAlias: alias,
			Status:      "unknown",
			Breakdown:   map[string]float64{},
		}, nil
	}
	return score, nil
}

// DetectAnomalies returns the latest findings ranked by |z-score|.
func (e *Engine) DetectAnomalies(alias string) ([]models.AnomalyFinding, error) {
	if alias != "" {
		if _, err := e.registry.Get(alias); err != nil {
			return nil, &ErrUnknownServer{Alias: alias}
		}
	}
	return e.anomalies.Findings(alias), nil
}

// GetBaseline returns the rolling statistics for one (server, metric) pair.
func (e *Engine) GetBaseline(alias, metricPath string) (models.BaselineStats, error) {
	if _, err := e.registry.Get(alias); err != nil {
		return models.BaselineStats{}, &ErrUnknownServer{Alias: alias}
	}
	return e.baselines.Query(alias, metricPath)
}

// AlertSummary aggregates the current alert landscape.
func (e *Engine) AlertSummary() alerting.Summary {
	return e.alerts.Summarize()
}

// Registry exposes target management to the API layer.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Rules exposes the loaded alert rules to the API layer.
func (e *Engine) Rules() []models.AlertRule { return e.alerts.Rules() }

// Rule looks up one alert rule by name.
func (e *Engine) Rule(name string) (models.AlertRule, error) { return e.alerts.Rule(name) }
