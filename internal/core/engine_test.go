package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/anomaly"
	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/health"
	"github.com/fleetpulse/fleetpulse/internal/models"
	"github.com/fleetpulse/fleetpulse/internal/registry"
)

// mockStore records persistence calls in memory.
type mockStore struct {
	mu           sync.Mutex
	events       []models.AlertEvent
	baselines    []baseline.Snapshot
	samples      []models.MetricSnapshot
	loadEvents   []models.AlertEvent
	loadWindows  []baseline.Snapshot
	pruneCutoffs []time.Time
}

func (m *mockStore) AppendAlertEvents(ctx context.Context, events []models.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockStore) LoadAlertEvents(ctx context.Context, since time.Time) ([]models.AlertEvent, error) {
	return m.loadEvents, nil
}

func (m *mockStore) SaveBaselines(ctx context.Context, snapshots []baseline.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = snapshots
	return nil
}

func (m *mockStore) LoadBaselines(ctx context.Context) ([]baseline.Snapshot, error) {
	return m.loadWindows, nil
}

func (m *mockStore) SubmitSamples(ctx context.Context, snapshot *models.MetricSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, *snapshot)
	return nil
}

func (m *mockStore) PruneAlertEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCutoffs = append(m.pruneCutoffs, cutoff)
	return 0, nil
}

func (m *mockStore) pruneCalls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.pruneCutoffs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget(alias string) models.ServerTarget {
	return models.ServerTarget{
		Alias:       alias,
		Host:        "10.0.1.10",
		Port:        61208,
		Protocol:    "http",
		Environment: "production",
		Enabled:     true,
	}
}

func newTestEngine(t *testing.T, store Store, rules ...models.AlertRule) (*Engine, *registry.Registry) {
	t.Helper()
	logger := testLogger()

	reg := registry.New()
	baselines := baseline.NewManager(config.BaselineConfig{
		MaxSamples:       288,
		RetentionMinutes: 24 * 60,
		MinSamples:       5,
	}, logger)
	alerts, err := alerting.NewEngine(config.AlertingConfig{
		HistoryLimit:          1000,
		HistoryRetentionHours: 720,
		StaleAfterTicks:       3,
	}, time.Minute, rules, logger)
	if err != nil {
		t.Fatal(err)
	}
	healthCalc := health.NewCalculator(config.HealthConfig{
		DecayPerStdDev: 40,
		Categories:     []config.HealthCategory{{Name: "cpu", MetricPath: "cpu.total", Weight: 1}},
	}, baselines, logger)
	anomalies := anomaly.NewDetector(config.AnomalyConfig{
		ZScoreThreshold: 3.0,
		ShortWindow:     5,
		ShiftMultiplier: 2.0,
		MinConsecutive:  3,
	}, baselines, logger)

	return New(reg, baselines, alerts, healthCalc, anomalies, store,
		5*time.Minute, 720*time.Hour, logger), reg
}

func snapshotAt(alias string, ts time.Time, metrics map[string]float64) *models.MetricSnapshot {
	return &models.MetricSnapshot{
		ServerAlias:  alias,
		Timestamp:    ts,
		Metrics:      metrics,
		Status:       models.StatusOK,
		ResponseTime: 25 * time.Millisecond,
	}
}

func TestIngestRejectsStaleSnapshots(t *testing.T) {
	store := &mockStore{}
	engine, reg := newTestEngine(t, store)
	target := testTarget("web-01")
	if err := reg.Register(target); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	if err := engine.Ingest(context.Background(), target, snapshotAt("web-01", base, map[string]float64{"cpu.total": 40})); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	err := engine.Ingest(context.Background(), target, snapshotAt("web-01", base.Add(-time.Second), map[string]float64{"cpu.total": 41}))
	var stale *ErrStaleSnapshot
	if !errors.As(err, &stale) {
		t.Fatalf("out-of-order ingest err = %v, want *ErrStaleSnapshot", err)
	}

	// Equal timestamps are also rejected.
	err = engine.Ingest(context.Background(), target, snapshotAt("web-01", base, map[string]float64{"cpu.total": 42}))
	if !errors.As(err, &stale) {
		t.Fatalf("duplicate timestamp err = %v, want *ErrStaleSnapshot", err)
	}

	if len(store.samples) != 1 {
		t.Errorf("rejected snapshots were persisted: %d sample batches", len(store.samples))
	}
}

func TestIngestDrivesAllConsumers(t *testing.T) {
	store := &mockStore{}
	rule := models.AlertRule{
		Name:       "high-cpu",
		MetricPath: "cpu.total",
		Comparison: "gt",
		Warning:    80,
		Critical:   90,
		Enabled:    true,
	}
	engine, reg := newTestEngine(t, store, rule)
	target := testTarget("web-01")
	if err := reg.Register(target); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 5; i++ {
		snap := snapshotAt("web-01", base.Add(time.Duration(i)*time.Minute), map[string]float64{"cpu.total": 40})
		if err := engine.Ingest(context.Background(), target, snap); err != nil {
			t.Fatal(err)
		}
	}
	if err := engine.Ingest(context.Background(), target,
		snapshotAt("web-01", base.Add(5*time.Minute), map[string]float64{"cpu.total": 95})); err != nil {
		t.Fatal(err)
	}

	// Alerting: one ok->critical transition, persisted.
	states, err := engine.CheckAlertConditions("web-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Severity != models.SeverityCritical {
		t.Errorf("alert states = %+v, want one critical", states)
	}
	if len(store.events) != 1 {
		t.Errorf("persisted events = %d, want 1", len(store.events))
	}

	// Anomalies: the jump from a flat baseline is a spike.
	findings, err := engine.DetectAnomalies("web-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) == 0 {
		t.Errorf("no anomaly findings after flat-baseline jump")
	}

	// Health: materialized for the server.
	score, err := engine.GenerateHealthScore("web-01")
	if err != nil {
		t.Fatal(err)
	}
	if score.Status == "unknown" {
		t.Errorf("health status unknown after six scored ticks")
	}

	// Baselines: queryable after five samples.
	if _, err := engine.GetBaseline("web-01", "cpu.total"); err != nil {
		t.Errorf("baseline query failed: %v", err)
	}

	// Registry: poll recorded.
	status, err := engine.GetServerStatus("web-01")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Reachable {
		t.Errorf("server not marked reachable after ok snapshots")
	}

	// Samples: every accepted snapshot submitted.
	if len(store.samples) != 6 {
		t.Errorf("submitted sample batches = %d, want 6", len(store.samples))
	}
}

func TestQueriesRejectUnknownServer(t *testing.T) {
	engine, _ := newTestEngine(t, &mockStore{})

	var unknown *ErrUnknownServer
	if _, err := engine.GetServerStatus("ghost"); !errors.As(err, &unknown) {
		t.Errorf("GetServerStatus err = %v, want *ErrUnknownServer", err)
	}
	if _, err := engine.GenerateHealthScore("ghost"); !errors.As(err, &unknown) {
		t.Errorf("GenerateHealthScore err = %v, want *ErrUnknownServer", err)
	}
	if _, err := engine.GetBaseline("ghost", "cpu.total"); !errors.As(err, &unknown) {
		t.Errorf("GetBaseline err = %v, want *ErrUnknownServer", err)
	}
	if _, err := engine.CheckAlertConditions("ghost"); !errors.As(err, &unknown) {
		t.Errorf("CheckAlertConditions err = %v, want *ErrUnknownServer", err)
	}
	if _, err := engine.DetectAnomalies("ghost"); !errors.As(err, &unknown) {
		t.Errorf("DetectAnomalies err = %v, want *ErrUnknownServer", err)
	}
	if _, err := engine.GetAlertHistory(alerting.HistoryFilter{ServerAlias: "ghost"}); !errors.As(err, &unknown) {
		t.Errorf("GetAlertHistory err = %v, want *ErrUnknownServer", err)
	}
}

func TestHealthScoreUnknownBeforeFirstTick(t *testing.T) {
	engine, reg := newTestEngine(t, &mockStore{})
	if err := reg.Register(testTarget("web-01")); err != nil {
		t.Fatal(err)
	}

	score, err := engine.GenerateHealthScore("web-01")
	if err != nil {
		t.Fatalf("registered but unscored server errored: %v", err)
	}
	if score.Status != "unknown" {
		t.Errorf("status = %q, want unknown", score.Status)
	}
	if len(score.Breakdown) != 0 {
		t.Errorf("breakdown not empty: %v", score.Breakdown)
	}
}

func TestLoadPersistedState(t *testing.T) {
	now := time.Now()
	store := &mockStore{
		loadWindows: []baseline.Snapshot{{
			ServerAlias: "web-01",
			MetricPath:  "cpu.total",
			Samples: []baseline.Sample{
				{Timestamp: now.Add(-5 * time.Minute), Value: 40},
				{Timestamp: now.Add(-4 * time.Minute), Value: 41},
				{Timestamp: now.Add(-3 * time.Minute), Value: 42},
				{Timestamp: now.Add(-2 * time.Minute), Value: 43},
				{Timestamp: now.Add(-1 * time.Minute), Value: 44},
			},
			UpdatedAt: now.Add(-time.Minute),
		}},
		loadEvents: []models.AlertEvent{{
			ID:          "e1",
			RuleName:    "high-cpu",
			ServerAlias: "web-01",
			ToSeverity:  models.SeverityWarning,
			Timestamp:   now.Add(-time.Hour),
		}},
	}

	engine, reg := newTestEngine(t, store)
	if err := reg.Register(testTarget("web-01")); err != nil {
		t.Fatal(err)
	}
	if err := engine.LoadPersistedState(context.Background()); err != nil {
		t.Fatalf("LoadPersistedState failed: %v", err)
	}

	stats, err := engine.GetBaseline("web-01", "cpu.total")
	if err != nil {
		t.Fatalf("baseline not restored: %v", err)
	}
	if stats.SampleCount != 5 {
		t.Errorf("restored sample count = %d, want 5", stats.SampleCount)
	}

	events, err := engine.GetAlertHistory(alerting.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("restored history = %+v, want the persisted event", events)
	}
}

func TestRunPrunesPersistedEvents(t *testing.T) {
	store := &mockStore{}
	engine, _ := newTestEngine(t, store)
	engine.flushInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.pruneCalls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no prune call within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	// Cutoff must trail now by the configured retention.
	cutoff := store.pruneCalls()[0]
	want := time.Now().Add(-720 * time.Hour)
	if diff := cutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("prune cutoff = %v, want about %v", cutoff, want)
	}
}

func TestListServersInsertionOrder(t *testing.T) {
	engine, reg := newTestEngine(t, &mockStore{})
	for _, alias := range []string{"web-02", "web-01", "db-01"} {
		if err := reg.Register(testTarget(alias)); err != nil {
			t.Fatal(err)
		}
	}

	servers := engine.ListServers()
	want := []string{"web-02", "web-01", "db-01"}
	if len(servers) != len(want) {
		t.Fatalf("servers = %d, want %d", len(servers), len(want))
	}
	for i, alias := range want {
		if servers[i].Alias != alias {
			t.Errorf("position %d = %q, want %q", i, servers[i].Alias, alias)
		}
	}
}

func TestConcurrentIngestDifferentServers(t *testing.T) {
	store := &mockStore{}
	engine, reg := newTestEngine(t, store)
	aliases := []string{"web-01", "web-02", "web-03", "web-04"}
	for _, alias := range aliases {
		if err := reg.Register(testTarget(alias)); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Now().Add(-time.Hour)
	var wg sync.WaitGroup
	for _, alias := range aliases {
		wg.Add(1)
		go func(alias string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				snap := snapshotAt(alias, base.Add(time.Duration(i)*time.Minute),
					map[string]float64{"cpu.total": float64(30 + i)})
				if err := engine.Ingest(context.Background(), testTarget(alias), snap); err != nil {
					t.Errorf("ingest %s tick %d: %v", alias, i, err)
					return
				}
			}
		}(alias)
	}
	wg.Wait()

	for _, alias := range aliases {
		stats, err := engine.GetBaseline(alias, "cpu.total")
		if err != nil {
			t.Errorf("baseline %s: %v", alias, err)
			continue
		}
		if stats.SampleCount != 20 {
			t.Errorf("%s sample count = %d, want 20", alias, stats.SampleCount)
		}
	}
}
