// Package alerting evaluates threshold rules against ingested snapshots and
// manages the per-(rule, server) alert lifecycle.
//
// Severity transitions follow a cooldown discipline: escalations apply
// immediately, de-escalations are suppressed until the cooldown since the
// last transition has elapsed. A suppressed level is remembered and applied
// at the first evaluation after cooldown expiry, which prevents flapping on
// noisy metrics without losing recoveries.
package alerting

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// pairState is the engine-private state for one (rule, server) pair.
type pairState struct {
	models.AlertState
	lastMetricSeen time.Time
}

// HistoryFilter narrows History queries.
type HistoryFilter struct {
	ServerAlias string
	Since       time.Time
	Severity    *models.Severity
	Limit       int
}

// Engine is the alert rule evaluator. Evaluate is serialized per server by
// the engine core; query methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	rules  []compiledRule
	states map[string]*pairState
	events []models.AlertEvent

	historyLimit    int
	retention       time.Duration
	staleAfterTicks int
	tickInterval    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine compiles the configured rules and returns a ready evaluator.
func NewEngine(cfg config.AlertingConfig, tickInterval time.Duration, rules []models.AlertRule, logger *slog.Logger) (*Engine, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Engine{
		rules:           compiled,
		states:          make(map[string]*pairState),
		historyLimit:    cfg.HistoryLimit,
		retention:       cfg.GetHistoryRetention(),
		staleAfterTicks: cfg.StaleAfterTicks,
		tickInterval:    tickInterval,
		logger:          logger.With("component", "alerting"),
		now:             time.Now,
	}, nil
}

func pairKey(ruleName, serverAlias string) string {
	return ruleName + "\x00" + serverAlias
}

// Evaluate runs every enabled, matching rule against the snapshot and returns
// the emitted transition events (already appended to history).
func (e *Engine) Evaluate(target models.ServerTarget, snapshot *models.MetricSnapshot) []models.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var emitted []models.AlertEvent
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Enabled || !rule.AppliesTo(&target) {
			continue
		}

		key := pairKey(rule.Name, target.Alias)
		st, ok := e.states[key]
		if !ok {
			st = &pairState{AlertState: models.AlertState{
				RuleName:    rule.Name,
				ServerAlias: target.Alias,
				MetricPath:  rule.MetricPath,
				Severity:    models.SeverityOK,
			}}
			e.states[key] = st
		}

		value, present := snapshot.Metrics[rule.MetricPath]
		if !present {
			// Missing metric never forces a transition; the last known
			// state persists and queries flag it stale after a few ticks.
			continue
		}

		st.lastMetricSeen = snapshot.Timestamp
		st.LastValue = value

		level := rule.breachLevel(value)
		if level > models.SeverityOK {
			st.ConsecutiveBreaches++
		} else {
			st.ConsecutiveBreaches = 0
		}

		if level == st.Severity {
			st.PendingSeverity = level
			continue
		}

		cooldownOver := st.LastTransitionAt.IsZero() ||
			snapshot.Timestamp.Sub(st.LastTransitionAt) >= rule.Cooldown()
		escalation := level > st.Severity

		if !escalation && !cooldownOver {
			st.PendingSeverity = level
			e.logger.Debug("transition suppressed by cooldown",
				"rule", rule.Name,
				"server", target.Alias,
				"current", st.Severity.String(),
				"suppressed", level.String(),
			)
			continue
		}

		event := models.AlertEvent{
			ID:           uuid.New().String(),
			RuleName:     rule.Name,
			ServerAlias:  target.Alias,
			MetricPath:   rule.MetricPath,
			FromSeverity: st.Severity,
			ToSeverity:   level,
			Value:        value,
			Message:      rule.message(level, target.Alias, value),
			Timestamp:    snapshot.Timestamp,
		}

		st.Severity = level
		st.PendingSeverity = level
		st.LastTransitionAt = snapshot.Timestamp
		st.LastFiredAt = snapshot.Timestamp

		e.appendEvent(event)
		emitted = append(emitted, event)

		e.logger.Warn("alert transition",
			"rule", rule.Name,
			"server", target.Alias,
			"from", event.FromSeverity.String(),
			"to", event.ToSeverity.String(),
			"value", value,
		)
	}
	return emitted
}

// appendEvent adds to history and trims by retention and count, oldest first.
// Callers hold e.mu.
func (e *Engine) appendEvent(event models.AlertEvent) {
	e.events = append(e.events, event)

	cutoff := e.now().Add(-e.retention)
	drop := 0
	for drop < len(e.events) && e.events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(e.events) - drop - e.historyLimit; over > 0 {
		drop += over
	}
	if drop > 0 {
		e.events = append(e.events[:0], e.events[drop:]...)
	}
}

// CheckConditions returns the current alert state for every evaluated pair,
// optionally filtered to one server. States whose metric has been absent for
// longer than the stale window carry Stale=true.
func (e *Engine) CheckConditions(serverAlias string) []models.AlertState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	staleCutoff := e.now().Add(-time.Duration(e.staleAfterTicks) * e.tickInterval)

	out := make([]models.AlertState, 0, len(e.states))
	for _, st := range e.states {
		if serverAlias != "" && st.ServerAlias != serverAlias {
			continue
		}
		state := st.AlertState
		state.Stale = !st.lastMetricSeen.IsZero() && st.lastMetricSeen.Before(staleCutoff)
		out = append(out, state)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		if out[i].ServerAlias != out[j].ServerAlias {
			return out[i].ServerAlias < out[j].ServerAlias
		}
		return out[i].RuleName < out[j].RuleName
	})
	return out
}

// History returns transition events newest first, bounded by the retention
// window and the filter's limit.
func (e *Engine) History(filter HistoryFilter) []models.AlertEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []models.AlertEvent
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if filter.ServerAlias != "" && ev.ServerAlias != filter.ServerAlias {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.Severity != nil && ev.ToSeverity != *filter.Severity {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// RestoreHistory seeds the in-memory event log from persisted events, oldest
// first, dropping anything past the retention window.
func (e *Engine) RestoreHistory(events []models.AlertEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.retention)
	e.events = e.events[:0]
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		e.events = append(e.events, ev)
	}
	sort.Slice(e.events, func(i, j int) bool {
		return e.events[i].Timestamp.Before(e.events[j].Timestamp)
	})
	e.logger.Info("restored alert history from store", "events", len(e.events))
}

// Rules returns the loaded rule set.
func (e *Engine) Rules() []models.AlertRule {
	out := make([]models.AlertRule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].AlertRule
	}
	return out
}

// Rule looks up one rule by name.
func (e *Engine) Rule(name string) (models.AlertRule, error) {
	for i := range e.rules {
		if e.rules[i].Name == name {
			return e.rules[i].AlertRule, nil
		}
	}
	return models.AlertRule{}, &ErrUnknownRule{Name: name}
}

// Summary aggregates the current alert landscape for dashboards.
type Summary struct {
	TotalActive       int            `json:"total_active"`
	CriticalCount     int            `json:"critical_count"`
	WarningCount      int            `json:"warning_count"`
	ServersWithAlerts int            `json:"servers_with_alerts"`
	ByServer          map[string]int `json:"by_server"`
}

// Summarize counts non-ok states by severity and server.
func (e *Engine) Summarize() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Summary{ByServer: make(map[string]int)}
	for _, st := range e.states {
		if st.Severity == models.SeverityOK {
			continue
		}
		s.TotalActive++
		switch st.Severity {
		case models.SeverityCritical:
			s.CriticalCount++
		case models.SeverityWarning:
			s.WarningCount++
		}
		s.ByServer[st.ServerAlias]++
	}
	s.ServersWithAlerts = len(s.ByServer)
	return s
}
