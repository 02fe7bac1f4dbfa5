// Package core owns the aggregation engine: it serializes snapshot ingestion
// per server, fans each snapshot out to the analytics components, and exposes
// the query operations consumed by the adapter layer.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/anomaly"
	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/health"
	"github.com/fleetpulse/fleetpulse/internal/models"
	"github.com/fleetpulse/fleetpulse/internal/registry"
)

// ErrUnknownServer is returned by query operations for unregistered aliases.
type ErrUnknownServer struct {
	Alias string
}

func (e *ErrUnknownServer) Error() string {
	return fmt.Sprintf("unknown server %q", e.Alias)
}

// ErrStaleSnapshot is returned when an ingested snapshot is older than the
// last accepted one for that server. Stale snapshots are rejected, never
// partially applied.
type ErrStaleSnapshot struct {
	Alias    string
	Got      time.Time
	Accepted time.Time
}

func (e *ErrStaleSnapshot) Error() string {
	return fmt.Sprintf("stale snapshot for %q: %s not after %s",
		e.Alias, e.Got.Format(time.RFC3339Nano), e.Accepted.Format(time.RFC3339Nano))
}

// Store persists derived state across restarts. Implementations must
// round-trip timestamps at sub-second resolution.
type Store interface {
	AppendAlertEvents(ctx context.Context, events []models.AlertEvent) error
	LoadAlertEvents(ctx context.Context, since time.Time) ([]models.AlertEvent, error)
	SaveBaselines(ctx context.Context, snapshots []baseline.Snapshot) error
	LoadBaselines(ctx context.Context) ([]baseline.Snapshot, error)
	SubmitSamples(ctx context.Context, snapshot *models.MetricSnapshot) error
	PruneAlertEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// serverState is the per-server ingestion unit. The mutex enforces the
// single-writer discipline: no two snapshots for the same server are ever
// applied concurrently.
type serverState struct {
	mu           sync.Mutex
	lastAccepted time.Time
}

// Engine is the aggregation and analytics core.
type Engine struct {
	registry  *registry.Registry
	baselines *baseline.Manager
	alerts    *alerting.Engine
	health    *health.Calculator
	anomalies *anomaly.Detector
	store     Store
	logger    *slog.Logger

	flushInterval  time.Duration
	eventRetention time.Duration

	mu      sync.Mutex
	servers map[string]*serverState
}

// New wires the engine components together.
func New(
	reg *registry.Registry,
	baselines *baseline.Manager,
	alerts *alerting.Engine,
	healthCalc *health.Calculator,
	anomalies *anomaly.Detector,
	store Store,
	flushInterval time.Duration,
	eventRetention time.Duration,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry:       reg,
		baselines:      baselines,
		alerts:         alerts,
		health:         healthCalc,
		anomalies:      anomalies,
		store:          store,
		flushInterval:  flushInterval,
		eventRetention: eventRetention,
		logger:         logger.With("component", "engine"),
		servers:        make(map[string]*serverState),
	}
}

func (e *Engine) state(alias string) *serverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.servers[alias]
	if !ok {
		st = &serverState{}
		e.servers[alias] = st
	}
	return st
}

// Ingest applies one snapshot to all derived state. Ingestion for a single
// server is strictly sequential and timestamp-monotonic; snapshots older than
// the last accepted one are rejected.
//
// The anomaly detector and health calculator run against the baseline state
// as it was before this snapshot, then the baseline manager absorbs the new
// values.
func (e *Engine) Ingest(ctx context.Context, target models.ServerTarget, snapshot *models.MetricSnapshot) error {
	st := e.state(target.Alias)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastAccepted.IsZero() && !snapshot.Timestamp.After(st.lastAccepted) {
		return &ErrStaleSnapshot{
			Alias:    target.Alias,
			Got:      snapshot.Timestamp,
			Accepted: st.lastAccepted,
		}
	}
	st.lastAccepted = snapshot.Timestamp

	e.registry.RecordPoll(
		target.Alias,
		snapshot.Timestamp,
		float64(snapshot.ResponseTime.Microseconds())/1000,
		snapshot.Status != models.StatusUnreachable,
		snapshot.LastError,
	)

	events := e.alerts.Evaluate(target, snapshot)
	e.anomalies.Ingest(snapshot)
	e.health.Ingest(snapshot)
	e.baselines.Ingest(snapshot)

	if len(events) > 0 {
		if err := e.store.AppendAlertEvents(ctx, events); err != nil {
			e.logger.Error("failed to persist alert events",
				"server", target.Alias,
				"count", len(events),
				"error", err,
			)
		}
	}

	if len(snapshot.Metrics) > 0 {
		if err := e.store.SubmitSamples(ctx, snapshot); err != nil {
			e.logger.Error("failed to submit metric samples",
				"server", target.Alias,
				"error", err,
			)
		}
	}

	return nil
}

// LoadPersistedState restores baselines and alert history within their
// retention windows. Called once at startup before polling begins.
func (e *Engine) LoadPersistedState(ctx context.Context) error {
	snapshots, err := e.store.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	e.baselines.Restore(snapshots)

	events, err := e.store.LoadAlertEvents(ctx, time.Now().Add(-e.eventRetention))
	if err != nil {
		return fmt.Errorf("load alert events: %w", err)
	}
	e.alerts.RestoreHistory(events)
	return nil
}

// Run drives the periodic baseline flush, idle-window expiry, and alert
// event retention pruning until the context is cancelled. A final flush runs
// on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			e.flushBaselines(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			e.flushBaselines(ctx)
			e.baselines.ExpireIdle()
			e.pruneEvents(ctx)
		}
	}
}

// pruneEvents enforces the history retention window on the persisted events,
// mirroring the in-memory pruning the alert engine does on append.
func (e *Engine) pruneEvents(ctx context.Context) {
	cutoff := time.Now().Add(-e.eventRetention)
	pruned, err := e.store.PruneAlertEvents(ctx, cutoff)
	if err != nil {
		e.logger.Error("failed to prune alert events", "cutoff", cutoff, "error", err)
		return
	}
	if pruned > 0 {
		e.logger.Debug("alert events pruned", "count", pruned)
	}
}

func (e *Engine) flushBaselines(ctx context.Context) {
	snapshots := e.baselines.Export()
	if len(snapshots) == 0 {
		return
	}
	if err := e.store.SaveBaselines(ctx, snapshots); err != nil {
		e.logger.Error("failed to persist baselines", "windows", len(snapshots), "error", err)
		return
	}
	e.logger.Debug("baselines persisted", "windows", len(snapshots))
}
