// Package models holds the domain types shared by the aggregation engine
// components: targets, snapshots, alert rules and their derived state.
package models

import (
	"fmt"
	"time"
)

// SnapshotStatus describes how complete a poll cycle's readings are.
type SnapshotStatus string

const (
	StatusOK          SnapshotStatus = "ok"
	StatusPartial     SnapshotStatus = "partial"
	StatusUnreachable SnapshotStatus = "unreachable"
)

// Severity is the alert severity level for a (rule, server) pair.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "ok"
	}
}

// ParseSeverity converts the wire form back to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "ok":
		return SeverityOK, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityOK, fmt.Errorf("unknown severity %q", s)
}

// MarshalJSON encodes severities as their string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (s *Severity) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	sev, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// ServerTarget is a monitored agent endpoint. Immutable after registration
// except for the Enabled flag, which the registry toggles.
type ServerTarget struct {
	Alias          string   `yaml:"alias" json:"alias" validate:"required,hostname_rfc1123"`
	Host           string   `yaml:"host" json:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int      `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Protocol       string   `yaml:"protocol" json:"protocol" validate:"oneof=http https"`
	Username       string   `yaml:"username" json:"-"`
	Password       string   `yaml:"password" json:"-"`
	Environment    string   `yaml:"environment" json:"environment" validate:"omitempty,oneof=production staging development"`
	Tags           []string `yaml:"tags" json:"tags"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds" validate:"min=0"`
	Enabled        bool     `yaml:"enabled" json:"enabled"`
}

// BaseURL returns the root URL of the agent's REST API.
func (t *ServerTarget) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", t.Protocol, t.Host, t.Port)
}

// Timeout returns the per-target request timeout.
func (t *ServerTarget) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// HasTag reports whether the target carries the given freeform tag.
func (t *ServerTarget) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// MetricSnapshot is one poll cycle's readings for one server, flattened to
// dotted metric paths. Immutable once produced.
type MetricSnapshot struct {
	ServerAlias string             `json:"server_alias"`
	Timestamp   time.Time          `json:"timestamp"`
	Metrics     map[string]float64 `json:"metrics"`
	Status      SnapshotStatus     `json:"status"`
	// LastError carries the terminal connectivity or parse error for
	// degraded snapshots; empty when Status is ok.
	LastError string `json:"last_error,omitempty"`
	// ResponseTime is the wall time of the poll round trip.
	ResponseTime time.Duration `json:"response_time_ns"`
}

// AlertRule is a configuration-owned threshold rule. Read-only to the engine.
type AlertRule struct {
	Name              string   `yaml:"name" json:"name" validate:"required"`
	MetricPath        string   `yaml:"metric_path" json:"metric_path" validate:"required"`
	Comparison        string   `yaml:"comparison" json:"comparison" validate:"oneof=gt gte lt lte"`
	Warning           float64  `yaml:"warning" json:"warning"`
	Critical          float64  `yaml:"critical" json:"critical"`
	Unit              string   `yaml:"unit" json:"unit"`
	CooldownMinutes   int      `yaml:"cooldown_minutes" json:"cooldown_minutes" validate:"min=0"`
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	ServerFilter      []string `yaml:"server_filter" json:"server_filter,omitempty"`
	EnvironmentFilter []string `yaml:"environment_filter" json:"environment_filter,omitempty"`
	TagFilter         []string `yaml:"tag_filter" json:"tag_filter,omitempty"`
}

// Cooldown returns the minimum interval between severity transitions.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// AppliesTo reports whether the rule's server/environment/tag filters admit
// the target. Empty filters admit everything.
func (r *AlertRule) AppliesTo(t *ServerTarget) bool {
	if len(r.ServerFilter) > 0 {
		found := false
		for _, alias := range r.ServerFilter {
			if alias == t.Alias {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.EnvironmentFilter) > 0 {
		found := false
		for _, env := range r.EnvironmentFilter {
			if env == t.Environment {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.TagFilter) > 0 {
		for _, tag := range r.TagFilter {
			if t.HasTag(tag) {
				return true
			}
		}
		return false
	}
	return true
}

// AlertState is the current severity for one (rule, server) pair. Exactly one
// instance exists per pair after its first evaluation.
type AlertState struct {
	RuleName           string    `json:"rule_name"`
	ServerAlias        string    `json:"server_alias"`
	MetricPath         string    `json:"metric_path"`
	Severity           Severity  `json:"severity"`
	LastValue          float64   `json:"last_value"`
	LastTransitionAt   time.Time `json:"last_transition_at"`
	LastFiredAt        time.Time `json:"last_fired_at"`
	ConsecutiveBreaches int      `json:"consecutive_breaches"`
	// PendingSeverity records a cooldown-suppressed level so it can be
	// applied once the cooldown elapses.
	PendingSeverity Severity `json:"pending_severity"`
	// Stale is set on query results when the rule's metric has been absent
	// from snapshots for longer than the configured number of ticks.
	Stale bool `json:"stale,omitempty"`
}

// AlertEvent is an immutable record of one severity transition.
type AlertEvent struct {
	ID           string    `json:"id"`
	RuleName     string    `json:"rule_name"`
	ServerAlias  string    `json:"server_alias"`
	MetricPath   string    `json:"metric_path"`
	FromSeverity Severity  `json:"from_severity"`
	ToSeverity   Severity  `json:"to_severity"`
	Value        float64   `json:"value"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// BaselineStats is the queryable summary of a (server, metric) rolling window.
type BaselineStats struct {
	ServerAlias string    `json:"server_alias"`
	MetricPath  string    `json:"metric_path"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	SampleCount int       `json:"sample_count"`
	WindowStart time.Time `json:"window_start"`
}

// HealthScore is the composite per-server score for the latest tick.
type HealthScore struct {
	ServerAlias string             `json:"server_alias"`
	Score       float64            `json:"score"`
	Status      string             `json:"status"`
	Breakdown   map[string]float64 `json:"breakdown"`
	Timestamp   time.Time          `json:"timestamp"`
}

// AnomalyKind distinguishes transient spikes from sustained shifts.
type AnomalyKind string

const (
	AnomalySpike          AnomalyKind = "spike"
	AnomalySustainedShift AnomalyKind = "sustained-shift"
)

// AnomalyFinding is one flagged metric value, ranked by |z-score|.
type AnomalyFinding struct {
	ServerAlias string      `json:"server_alias"`
	MetricPath  string      `json:"metric_path"`
	Value       float64     `json:"value"`
	ZScore      float64     `json:"zscore"`
	Kind        AnomalyKind `json:"kind"`
	Timestamp   time.Time   `json:"timestamp"`
}
