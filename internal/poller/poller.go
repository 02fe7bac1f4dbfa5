// Package poller drives the fixed-cadence, bounded-concurrency polling of
// every enabled target and hands the resulting snapshots to the engine core.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetpulse/fleetpulse/internal/agent"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/core"
	"github.com/fleetpulse/fleetpulse/internal/models"
	"github.com/fleetpulse/fleetpulse/internal/registry"
)

// Poller owns the tick loop. Each enabled target is polled as an independent
// unit of work: one target's failure or slowness never blocks another's poll,
// and a target is never polled concurrently with itself.
type Poller struct {
	registry *registry.Registry
	engine   *core.Engine
	logger   *slog.Logger

	interval   time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	sem *semaphore.Weighted

	clientsMu sync.Mutex
	clients   map[string]*agent.Client

	inflightMu sync.Mutex
	inflight   map[string]bool

	running bool
	runMu   sync.Mutex
	wg      sync.WaitGroup
}

// New creates a poller over the registry's targets.
func New(cfg config.PollerConfig, reg *registry.Registry, engine *core.Engine, logger *slog.Logger) *Poller {
	return &Poller{
		registry:   reg,
		engine:     engine,
		logger:     logger.With("component", "poller"),
		interval:   cfg.GetTickInterval(),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.GetRetryBaseDelay(),
		maxDelay:   cfg.GetRetryMaxDelay(),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		clients:    make(map[string]*agent.Client),
		inflight:   make(map[string]bool),
	}
}

// Run starts the tick loop and blocks until the context is cancelled. An
// in-flight fetch abandoned by shutdown never mutates engine state.
func (p *Poller) Run(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.runMu.Unlock()

	p.logger.Info("starting poller",
		"interval", p.interval,
		"max_retries", p.maxRetries,
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First tick immediately rather than waiting a full interval.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller shutting down, waiting for in-flight polls")
			p.wg.Wait()
			p.runMu.Lock()
			p.running = false
			p.runMu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fans one poll per enabled target out to the worker pool. It never
// blocks on a straggler: a target whose previous poll is still in flight is
// skipped this cycle and its eventual result is ingested late.
func (p *Poller) tick(ctx context.Context) {
	tickStart := time.Now()
	targets := p.registry.Enabled()

	for _, target := range targets {
		if !p.markInflight(target.Alias) {
			p.logger.Warn("skipping poll, previous cycle still in flight", "target", target.Alias)
			continue
		}

		target := target
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.clearInflight(target.Alias)

			if err := p.sem.Acquire(ctx, 1); err != nil {
				return // shutdown while queued
			}
			defer p.sem.Release(1)

			p.pollTarget(ctx, target, tickStart)
		}()
	}
}

func (p *Poller) markInflight(alias string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[alias] {
		return false
	}
	p.inflight[alias] = true
	return true
}

func (p *Poller) clearInflight(alias string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, alias)
}

func (p *Poller) client(target models.ServerTarget) *agent.Client {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	c, ok := p.clients[target.Alias]
	if !ok {
		c = agent.NewClient(target, p.logger)
		p.clients[target.Alias] = c
	}
	return c
}

// pollTarget fetches one snapshot with retry/backoff, then hands it to the
// engine. Connectivity failures degrade to an unreachable snapshot; they
// never fail the tick for other targets.
func (p *Poller) pollTarget(ctx context.Context, target models.ServerTarget, tickStart time.Time) {
	snapshot := p.fetch(ctx, target)
	if snapshot == nil {
		return // abandoned by shutdown: no state mutation
	}

	if lateBy := time.Since(tickStart) - p.interval; lateBy > 0 {
		p.logger.Warn("late poll result",
			"target", target.Alias,
			"late_by", lateBy,
		)
	}

	if err := p.engine.Ingest(ctx, target, snapshot); err != nil {
		var stale *core.ErrStaleSnapshot
		if errors.As(err, &stale) {
			p.logger.Warn("snapshot rejected as stale", "target", target.Alias, "error", err)
			return
		}
		p.logger.Error("snapshot ingestion failed", "target", target.Alias, "error", err)
	}
}

// fetch attempts the agent fetch with capped exponential backoff. It returns
// nil only when shutdown interrupted the attempt loop.
func (p *Poller) fetch(ctx context.Context, target models.ServerTarget) *models.MetricSnapshot {
	client := p.client(target)
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			p.logger.Debug("retrying poll",
				"target", target.Alias,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		start := time.Now()
		metrics, status, err := client.Fetch(ctx)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			return nil
		}

		if status == models.StatusUnreachable {
			lastErr = err
			continue
		}

		snapshot := &models.MetricSnapshot{
			ServerAlias:  target.Alias,
			Timestamp:    time.Now(),
			Metrics:      metrics,
			Status:       status,
			ResponseTime: elapsed,
		}
		if err != nil {
			snapshot.LastError = err.Error()
		}
		return snapshot
	}

	errMsg := "unreachable"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	p.logger.Warn("target unreachable after retries",
		"target", target.Alias,
		"attempts", p.maxRetries+1,
		"error", errMsg,
	)

	return &models.MetricSnapshot{
		ServerAlias: target.Alias,
		Timestamp:   time.Now(),
		Metrics:     map[string]float64{},
		Status:      models.StatusUnreachable,
		LastError:   errMsg,
	}
}

// backoff computes base × 2^(attempt-1), capped.
func (p *Poller) backoff(attempt int) time.Duration {
	delay := p.baseDelay << (attempt - 1)
	if delay > p.maxDelay || delay <= 0 {
		delay = p.maxDelay
	}
	return delay
}
