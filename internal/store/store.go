// Package store persists derived engine state (alert history, baselines,
// raw metric samples) in PostgreSQL so it survives process restarts within
// its retention windows.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// Store is the PostgreSQL-backed implementation of core.Store.
type Store struct {
	pool   *pgxpool.Pool
	batch  *BatchWriter
	logger *slog.Logger
}

// Connect opens the connection pool and runs pending migrations.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:   pool,
		logger: logger.With("component", "store"),
	}
	s.batch = NewBatchWriter(pool, logger)
	return s, nil
}

// runMigrations applies the embedded SQL migrations through goose using the
// pgx stdlib adapter.
func runMigrations(cfg config.DatabaseConfig) error {
	db, err := goose.OpenDBWithDriver("pgx", cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Run drives the batch writer's flush loop until the context is cancelled.
func (s *Store) Run(ctx context.Context) error {
	return s.batch.Run(ctx)
}

// Close drains the batch writer and releases the pool.
func (s *Store) Close() {
	s.batch.Drain()
	s.pool.Close()
}

// AppendAlertEvents persists transition events. Events are append-only.
func (s *Store) AppendAlertEvents(ctx context.Context, events []models.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			id = uuid.New()
		}
		batch.Queue(
			`INSERT INTO alert_events
			 (id, rule_name, server_alias, metric_path, from_severity, to_severity, value, message, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, ev.RuleName, ev.ServerAlias, ev.MetricPath,
			ev.FromSeverity.String(), ev.ToSeverity.String(),
			ev.Value, ev.Message, ev.Timestamp,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
	}
	return nil
}

// LoadAlertEvents returns events at or after since, oldest first.
func (s *Store) LoadAlertEvents(ctx context.Context, since time.Time) ([]models.AlertEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_name, server_alias, metric_path, from_severity, to_severity, value, message, ts
		 FROM alert_events WHERE ts >= $1 ORDER BY ts ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		var (
			ev       models.AlertEvent
			id       uuid.UUID
			from, to string
		)
		if err := rows.Scan(&id, &ev.RuleName, &ev.ServerAlias, &ev.MetricPath,
			&from, &to, &ev.Value, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		ev.ID = id.String()
		if ev.FromSeverity, err = models.ParseSeverity(from); err != nil {
			return nil, err
		}
		if ev.ToSeverity, err = models.ParseSeverity(to); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveBaselines upserts every window's sample set as JSONB. Timestamps are
// serialized at nanosecond resolution and round-trip losslessly.
func (s *Store) SaveBaselines(ctx context.Context, snapshots []baseline.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		samples, err := json.Marshal(snap.Samples)
		if err != nil {
			return fmt.Errorf("marshal baseline %s/%s: %w", snap.ServerAlias, snap.MetricPath, err)
		}
		batch.Queue(
			`INSERT INTO baselines (server_alias, metric_path, samples, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (server_alias, metric_path)
			 DO UPDATE SET samples = EXCLUDED.samples, updated_at = EXCLUDED.updated_at`,
			snap.ServerAlias, snap.MetricPath, samples, snap.UpdatedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snapshots {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert baseline: %w", err)
		}
	}
	return nil
}

// LoadBaselines returns every persisted window.
func (s *Store) LoadBaselines(ctx context.Context) ([]baseline.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT server_alias, metric_path, samples, updated_at FROM baselines`,
	)
	if err != nil {
		return nil, fmt.Errorf("query baselines: %w", err)
	}
	defer rows.Close()

	var snapshots []baseline.Snapshot
	for rows.Next() {
		var (
			snap baseline.Snapshot
			raw  []byte
		)
		if err := rows.Scan(&snap.ServerAlias, &snap.MetricPath, &raw, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		if err := json.Unmarshal(raw, &snap.Samples); err != nil {
			return nil, fmt.Errorf("decode baseline %s/%s: %w", snap.ServerAlias, snap.MetricPath, err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// SubmitSamples queues the snapshot's metric values for bulk insertion.
func (s *Store) SubmitSamples(ctx context.Context, snapshot *models.MetricSnapshot) error {
	for path, value := range snapshot.Metrics {
		record := SampleRecord{
			ServerAlias: snapshot.ServerAlias,
			MetricPath:  path,
			Timestamp:   snapshot.Timestamp,
			Value:       value,
		}
		if err := s.batch.Submit(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// PruneAlertEvents deletes events older than the retention cutoff.
func (s *Store) PruneAlertEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune alert events: %w", err)
	}
	return tag.RowsAffected(), nil
}
