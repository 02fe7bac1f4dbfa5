package alerting

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget() models.ServerTarget {
	return models.ServerTarget{
		Alias:       "web-01",
		Host:        "10.0.1.10",
		Port:        61208,
		Protocol:    "http",
		Environment: "production",
		Tags:        []string{"web"},
		Enabled:     true,
	}
}

func cpuRule(cooldownMinutes int) models.AlertRule {
	return models.AlertRule{
		Name:            "high-cpu",
		MetricPath:      "cpu.total",
		Comparison:      "gt",
		Warning:         80,
		Critical:        90,
		Unit:            "%",
		CooldownMinutes: cooldownMinutes,
		Enabled:         true,
	}
}

func testEngine(t *testing.T, rules ...models.AlertRule) *Engine {
	t.Helper()
	e, err := NewEngine(config.AlertingConfig{
		HistoryLimit:          1000,
		HistoryRetentionHours: 720,
		StaleAfterTicks:       3,
	}, time.Minute, rules, testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func evalValue(e *Engine, target models.ServerTarget, ts time.Time, metric string, value float64) []models.AlertEvent {
	return e.Evaluate(target, &models.MetricSnapshot{
		ServerAlias: target.Alias,
		Timestamp:   ts,
		Metrics:     map[string]float64{metric: value},
		Status:      models.StatusOK,
	})
}

func TestEscalationsBypassCooldown(t *testing.T) {
	e := testEngine(t, cpuRule(15))
	target := testTarget()
	base := time.Now().Add(-10 * time.Minute)

	// 85 -> warning, then 95 one tick later must still reach critical even
	// though the cooldown has not elapsed.
	values := []float64{85, 95, 95, 95, 60}
	var transitions []models.AlertEvent
	for i, v := range values {
		events := evalValue(e, target, base.Add(time.Duration(i)*time.Minute), "cpu.total", v)
		transitions = append(transitions, events...)
	}

	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want 2 (ok->warning, warning->critical)", len(transitions))
	}
	if transitions[0].ToSeverity != models.SeverityWarning {
		t.Errorf("first transition to %v, want warning", transitions[0].ToSeverity)
	}
	if transitions[1].FromSeverity != models.SeverityWarning || transitions[1].ToSeverity != models.SeverityCritical {
		t.Errorf("second transition %v->%v, want warning->critical",
			transitions[1].FromSeverity, transitions[1].ToSeverity)
	}

	// The recovery at 60 is a de-escalation inside the cooldown: suppressed,
	// but remembered as pending.
	states := e.CheckConditions("web-01")
	if len(states) != 1 {
		t.Fatalf("states = %d, want 1", len(states))
	}
	if states[0].Severity != models.SeverityCritical {
		t.Errorf("severity = %v, want critical (recovery suppressed)", states[0].Severity)
	}
	if states[0].PendingSeverity != models.SeverityOK {
		t.Errorf("pending severity = %v, want ok", states[0].PendingSeverity)
	}
}

func TestDeEscalationAppliesAfterCooldown(t *testing.T) {
	e := testEngine(t, cpuRule(15))
	target := testTarget()
	base := time.Now().Add(-time.Hour)

	evalValue(e, target, base, "cpu.total", 95) // ok -> critical
	if events := evalValue(e, target, base.Add(5*time.Minute), "cpu.total", 50); len(events) != 0 {
		t.Fatalf("de-escalation inside cooldown emitted %d events", len(events))
	}

	events := evalValue(e, target, base.Add(16*time.Minute), "cpu.total", 50)
	if len(events) != 1 {
		t.Fatalf("events after cooldown = %d, want 1", len(events))
	}
	if events[0].ToSeverity != models.SeverityOK {
		t.Errorf("transition to %v, want ok", events[0].ToSeverity)
	}
	if events[0].Message == "" {
		t.Errorf("resolved event has empty message")
	}
}

func TestSustainedBreachEmitsSingleTransition(t *testing.T) {
	e := testEngine(t, cpuRule(15))
	target := testTarget()
	base := time.Now().Add(-time.Hour)

	total := 0
	for i := 0; i < 10; i++ {
		events := evalValue(e, target, base.Add(time.Duration(i)*time.Minute), "cpu.total", 95)
		total += len(events)
	}
	if total != 1 {
		t.Fatalf("transitions over sustained breach = %d, want 1", total)
	}

	states := e.CheckConditions("web-01")
	if states[0].ConsecutiveBreaches != 10 {
		t.Errorf("consecutive breaches = %d, want 10", states[0].ConsecutiveBreaches)
	}
}

func TestMissingMetricKeepsState(t *testing.T) {
	e := testEngine(t, cpuRule(0))
	target := testTarget()
	base := time.Now()

	evalValue(e, target, base, "cpu.total", 95)

	// A partial snapshot without the rule's metric must not transition.
	events := e.Evaluate(target, &models.MetricSnapshot{
		ServerAlias: target.Alias,
		Timestamp:   base.Add(time.Minute),
		Metrics:     map[string]float64{"mem.percent": 50},
		Status:      models.StatusPartial,
	})
	if len(events) != 0 {
		t.Fatalf("missing metric emitted %d events", len(events))
	}

	states := e.CheckConditions("web-01")
	if states[0].Severity != models.SeverityCritical {
		t.Errorf("severity = %v, want critical preserved", states[0].Severity)
	}
}

func TestStaleFlag(t *testing.T) {
	e := testEngine(t, cpuRule(0))
	target := testTarget()

	// Last metric sighting well past the stale window (3 ticks of 1m).
	evalValue(e, target, time.Now().Add(-10*time.Minute), "cpu.total", 95)

	states := e.CheckConditions("web-01")
	if !states[0].Stale {
		t.Errorf("state not flagged stale after 10 minutes without the metric")
	}
}

func TestRuleFiltersRespected(t *testing.T) {
	rule := cpuRule(0)
	rule.EnvironmentFilter = []string{"staging"}
	e := testEngine(t, rule)

	events := evalValue(e, testTarget(), time.Now(), "cpu.total", 99)
	if len(events) != 0 {
		t.Fatalf("production target matched staging-only rule")
	}
	if states := e.CheckConditions(""); len(states) != 0 {
		t.Fatalf("filtered rule created state anyway")
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	rule := cpuRule(0)
	rule.Enabled = false
	e := testEngine(t, rule)

	if events := evalValue(e, testTarget(), time.Now(), "cpu.total", 99); len(events) != 0 {
		t.Fatalf("disabled rule emitted events")
	}
}

func TestHistoryFiltersAndOrder(t *testing.T) {
	memRule := models.AlertRule{
		Name:       "high-memory",
		MetricPath: "mem.percent",
		Comparison: "gt",
		Warning:    85,
		Critical:   95,
		Enabled:    true,
	}
	e := testEngine(t, cpuRule(0), memRule)
	web := testTarget()
	db := testTarget()
	db.Alias = "db-01"

	base := time.Now().Add(-time.Hour)
	evalValue(e, web, base, "cpu.total", 85)                    // warning
	evalValue(e, db, base.Add(time.Minute), "mem.percent", 97)  // critical
	evalValue(e, web, base.Add(2*time.Minute), "cpu.total", 95) // critical

	all := e.History(HistoryFilter{})
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("history not newest-first at index %d", i)
		}
	}

	byServer := e.History(HistoryFilter{ServerAlias: "db-01"})
	if len(byServer) != 1 || byServer[0].ServerAlias != "db-01" {
		t.Errorf("server filter returned %d events", len(byServer))
	}

	critical := models.SeverityCritical
	bySeverity := e.History(HistoryFilter{Severity: &critical})
	if len(bySeverity) != 2 {
		t.Errorf("severity filter returned %d events, want 2", len(bySeverity))
	}

	limited := e.History(HistoryFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit filter returned %d events, want 1", len(limited))
	}
	if limited[0].Timestamp != all[0].Timestamp {
		t.Errorf("limit did not keep the newest event")
	}

	since := e.History(HistoryFilter{Since: base.Add(90 * time.Second)})
	if len(since) != 1 {
		t.Errorf("since filter returned %d events, want 1", len(since))
	}
}

func TestRestoreHistoryDropsExpired(t *testing.T) {
	e := testEngine(t, cpuRule(0))

	e.RestoreHistory([]models.AlertEvent{
		{ID: "a", RuleName: "high-cpu", ServerAlias: "web-01", ToSeverity: models.SeverityWarning, Timestamp: time.Now().Add(-100 * 24 * time.Hour)},
		{ID: "b", RuleName: "high-cpu", ServerAlias: "web-01", ToSeverity: models.SeverityCritical, Timestamp: time.Now().Add(-time.Hour)},
	})

	events := e.History(HistoryFilter{})
	if len(events) != 1 {
		t.Fatalf("restored events = %d, want 1 (expired dropped)", len(events))
	}
	if events[0].ID != "b" {
		t.Errorf("kept event %q, want b", events[0].ID)
	}
}

func TestDuplicateRuleNamesRejected(t *testing.T) {
	_, err := NewEngine(config.AlertingConfig{HistoryLimit: 10, HistoryRetentionHours: 1, StaleAfterTicks: 3},
		time.Minute, []models.AlertRule{cpuRule(0), cpuRule(0)}, testLogger())
	if err == nil {
		t.Fatalf("duplicate rule names accepted")
	}
}

func TestMisorderedThresholdBandsRejected(t *testing.T) {
	cases := []struct {
		name string
		rule models.AlertRule
	}{
		{"gt warning above critical", models.AlertRule{
			Name: "inverted-cpu", MetricPath: "cpu.total", Comparison: "gt",
			Warning: 90, Critical: 80, Enabled: true,
		}},
		{"gte equal thresholds", models.AlertRule{
			Name: "flat-mem", MetricPath: "mem.percent", Comparison: "gte",
			Warning: 85, Critical: 85, Enabled: true,
		}},
		{"lt warning below critical", models.AlertRule{
			Name: "inverted-disk-free", MetricPath: "fs.free_percent", Comparison: "lt",
			Warning: 10, Critical: 20, Enabled: true,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(config.AlertingConfig{HistoryLimit: 10, HistoryRetentionHours: 1, StaleAfterTicks: 3},
				time.Minute, []models.AlertRule{tc.rule}, testLogger())
			if err == nil {
				t.Fatalf("misordered thresholds accepted")
			}
		})
	}
}

func TestLowerBoundComparison(t *testing.T) {
	rule := models.AlertRule{
		Name:       "low-disk-free",
		MetricPath: "fs.free_percent",
		Comparison: "lt",
		Warning:    20,
		Critical:   10,
		Enabled:    true,
	}
	e := testEngine(t, rule)
	target := testTarget()
	base := time.Now()

	events := evalValue(e, target, base, "fs.free_percent", 5)
	if len(events) != 1 || events[0].ToSeverity != models.SeverityCritical {
		t.Fatalf("lt rule at 5 emitted %v, want one critical transition", events)
	}

	// Exactly at the threshold is not a breach for strict comparison.
	e2 := testEngine(t, cpuRule(0))
	if events := evalValue(e2, target, base, "cpu.total", 80); len(events) != 0 {
		t.Errorf("value equal to strict gt threshold transitioned")
	}
}

func TestSummarize(t *testing.T) {
	memRule := models.AlertRule{
		Name:       "high-memory",
		MetricPath: "mem.percent",
		Comparison: "gt",
		Warning:    85,
		Critical:   95,
		Enabled:    true,
	}
	e := testEngine(t, cpuRule(0), memRule)
	web := testTarget()
	db := testTarget()
	db.Alias = "db-01"
	base := time.Now()

	evalValue(e, web, base, "cpu.total", 95)
	evalValue(e, db, base, "mem.percent", 88)
	evalValue(e, db, base, "cpu.total", 10)

	s := e.Summarize()
	if s.TotalActive != 2 {
		t.Errorf("total active = %d, want 2", s.TotalActive)
	}
	if s.CriticalCount != 1 || s.WarningCount != 1 {
		t.Errorf("critical/warning = %d/%d, want 1/1", s.CriticalCount, s.WarningCount)
	}
	if s.ServersWithAlerts != 2 {
		t.Errorf("servers with alerts = %d, want 2", s.ServersWithAlerts)
	}
}
