package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/alerting"
	"github.com/fleetpulse/fleetpulse/internal/anomaly"
	"github.com/fleetpulse/fleetpulse/internal/api"
	"github.com/fleetpulse/fleetpulse/internal/auth"
	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/core"
	"github.com/fleetpulse/fleetpulse/internal/health"
	"github.com/fleetpulse/fleetpulse/internal/poller"
	"github.com/fleetpulse/fleetpulse/internal/registry"
	"github.com/fleetpulse/fleetpulse/internal/store"
)

func main() {
	configPath := os.Getenv("FP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting fleetpulse",
		"targets", len(cfg.Targets),
		"rules", len(cfg.AlertRules),
		"interval", cfg.Poller.GetTickInterval(),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	reg := registry.New()
	for _, target := range cfg.Targets {
		if err := reg.Register(target); err != nil {
			return fmt.Errorf("register target %q: %w", target.Alias, err)
		}
	}

	baselines := baseline.NewManager(cfg.Baseline, logger)

	alerts, err := alerting.NewEngine(cfg.Alerting, cfg.Poller.GetTickInterval(), cfg.AlertRules, logger)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}

	healthCalc := health.NewCalculator(cfg.Health, baselines, logger)
	anomalies := anomaly.NewDetector(cfg.Anomaly, baselines, logger)

	engine := core.New(
		reg, baselines, alerts, healthCalc, anomalies, db,
		cfg.Baseline.GetFlushInterval(),
		cfg.Alerting.GetHistoryRetention(),
		logger,
	)

	if err := engine.LoadPersistedState(ctx); err != nil {
		// Missing history is recoverable, stale baselines rebuild within
		// the retention window.
		logger.Warn("failed to restore persisted state", "error", err)
	}

	pol := poller.New(cfg.Poller, reg, engine, logger)

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	router := api.NewRouter(engine, authService, db.Ping, cfg, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := db.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("batch writer stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pol.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poller stopped", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
