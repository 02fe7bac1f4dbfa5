// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetpulse/fleetpulse/internal/models"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CORS     CORSConfig     `yaml:"cors"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Poller   PollerConfig   `yaml:"poller"`
	Baseline BaselineConfig `yaml:"baseline"`
	Alerting AlertingConfig `yaml:"alerting"`
	Health   HealthConfig   `yaml:"health"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Logging  LoggingConfig  `yaml:"logging"`

	Targets    []models.ServerTarget `yaml:"targets"`
	AlertRules []models.AlertRule    `yaml:"alert_rules"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type DatabaseConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	DBName                 string `yaml:"dbname"`
	SSLMode                string `yaml:"ssl_mode"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

type PollerConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	Concurrency       int `yaml:"concurrency"`
	MaxRetries        int `yaml:"max_retries"`
	RetryBaseDelayMS  int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS   int `yaml:"retry_max_delay_ms"`
	DefaultTimeoutSec int `yaml:"default_timeout_seconds"`
}

type BaselineConfig struct {
	MaxSamples           int `yaml:"max_samples"`
	RetentionMinutes     int `yaml:"retention_minutes"`
	MinSamples           int `yaml:"min_samples"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

type AlertingConfig struct {
	HistoryLimit          int `yaml:"history_limit"`
	HistoryRetentionHours int `yaml:"history_retention_hours"`
	StaleAfterTicks       int `yaml:"stale_after_ticks"`
}

type HealthCategory struct {
	Name       string  `yaml:"name"`
	MetricPath string  `yaml:"metric_path"`
	Weight     float64 `yaml:"weight"`
}

type HealthConfig struct {
	// DecayPerStdDev controls how fast a sub-score falls once a value
	// drifts beyond one standard deviation from its baseline mean.
	DecayPerStdDev float64          `yaml:"decay_per_stddev"`
	Categories     []HealthCategory `yaml:"categories"`
}

type AnomalyConfig struct {
	ZScoreThreshold float64 `yaml:"zscore_threshold"`
	ShortWindow     int     `yaml:"short_window"`
	ShiftMultiplier float64 `yaml:"shift_multiplier"`
	MinConsecutive  int     `yaml:"min_consecutive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero values with engine defaults so the rest of the
// code never re-checks them.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Poller.IntervalSeconds <= 0 {
		c.Poller.IntervalSeconds = 60
	}
	if c.Poller.Concurrency <= 0 {
		c.Poller.Concurrency = len(c.Targets)
		if c.Poller.Concurrency > 32 {
			c.Poller.Concurrency = 32
		}
		if c.Poller.Concurrency < 1 {
			c.Poller.Concurrency = 1
		}
	}
	if c.Poller.MaxRetries < 0 {
		c.Poller.MaxRetries = 0
	} else if c.Poller.MaxRetries == 0 {
		c.Poller.MaxRetries = 2
	}
	if c.Poller.RetryBaseDelayMS <= 0 {
		c.Poller.RetryBaseDelayMS = 500
	}
	if c.Poller.RetryMaxDelayMS <= 0 {
		c.Poller.RetryMaxDelayMS = 10000
	}
	if c.Poller.DefaultTimeoutSec <= 0 {
		c.Poller.DefaultTimeoutSec = 30
	}
	if c.Baseline.MaxSamples <= 0 {
		c.Baseline.MaxSamples = 288
	}
	if c.Baseline.RetentionMinutes <= 0 {
		c.Baseline.RetentionMinutes = 24 * 60
	}
	if c.Baseline.MinSamples <= 0 {
		c.Baseline.MinSamples = 5
	}
	if c.Baseline.FlushIntervalSeconds <= 0 {
		c.Baseline.FlushIntervalSeconds = 300
	}
	if c.Alerting.HistoryLimit <= 0 {
		c.Alerting.HistoryLimit = 1000
	}
	if c.Alerting.HistoryRetentionHours <= 0 {
		c.Alerting.HistoryRetentionHours = 24 * 30
	}
	if c.Alerting.StaleAfterTicks <= 0 {
		c.Alerting.StaleAfterTicks = 3
	}
	if c.Health.DecayPerStdDev <= 0 {
		c.Health.DecayPerStdDev = 40
	}
	if len(c.Health.Categories) == 0 {
		c.Health.Categories = []HealthCategory{
			{Name: "cpu", MetricPath: "cpu.total", Weight: 1},
			{Name: "memory", MetricPath: "mem.percent", Weight: 1},
			{Name: "disk", MetricPath: "fs.percent", Weight: 1},
			{Name: "network", MetricPath: "network.error_rate", Weight: 1},
			{Name: "process", MetricPath: "processcount.total", Weight: 1},
		}
	}
	if c.Anomaly.ZScoreThreshold <= 0 {
		c.Anomaly.ZScoreThreshold = 3.0
	}
	if c.Anomaly.ShortWindow <= 0 {
		c.Anomaly.ShortWindow = 5
	}
	if c.Anomaly.ShiftMultiplier <= 0 {
		c.Anomaly.ShiftMultiplier = 2.0
	}
	if c.Anomaly.MinConsecutive <= 0 {
		c.Anomaly.MinConsecutive = 3
	}
	if c.Auth.JWTExpiryHours <= 0 {
		c.Auth.JWTExpiryHours = 24
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	for i := range c.Targets {
		if c.Targets[i].Port == 0 {
			c.Targets[i].Port = 61208
		}
		if c.Targets[i].Protocol == "" {
			c.Targets[i].Protocol = "http"
		}
		if c.Targets[i].TimeoutSeconds == 0 {
			c.Targets[i].TimeoutSeconds = c.Poller.DefaultTimeoutSec
		}
	}
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("FP_AUTH_JWT_SECRET is required (minimum 32 characters)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}
	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("FP_AUTH_ADMIN_PASSWORD must be set to a strong password")
	}

	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host and dbname are required")
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	for _, cat := range c.Health.Categories {
		if cat.Weight < 0 {
			return fmt.Errorf("health category %q has negative weight", cat.Name)
		}
	}

	return nil
}

// applyEnvOverrides checks for environment variables with FP_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FP_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FP_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("FP_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("FP_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("FP_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetDSN returns the PostgreSQL connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// GetTickInterval returns the poll cadence as a duration
func (p *PollerConfig) GetTickInterval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// GetRetryBaseDelay returns the first retry backoff delay
func (p *PollerConfig) GetRetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMS) * time.Millisecond
}

// GetRetryMaxDelay returns the backoff cap
func (p *PollerConfig) GetRetryMaxDelay() time.Duration {
	return time.Duration(p.RetryMaxDelayMS) * time.Millisecond
}

// GetRetention returns the baseline retention horizon
func (b *BaselineConfig) GetRetention() time.Duration {
	return time.Duration(b.RetentionMinutes) * time.Minute
}

// GetFlushInterval returns how often baselines are persisted
func (b *BaselineConfig) GetFlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalSeconds) * time.Second
}

// GetHistoryRetention returns the alert event retention window
func (a *AlertingConfig) GetHistoryRetention() time.Duration {
	return time.Duration(a.HistoryRetentionHours) * time.Hour
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	if l.Level == "" {
		return true
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
