package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
auth:
  admin_username: "admin"
  admin_password: "a-strong-password"
  jwt_secret: "0123456789abcdef0123456789abcdef"

database:
  host: "localhost"
  port: 5432
  user: "fleetpulse"
  password: "pw"
  dbname: "fleetpulse"

targets:
  - alias: "web-01"
    host: "10.0.1.10"
    environment: "production"
    enabled: true

alert_rules:
  - name: "high-cpu"
    metric_path: "cpu.total"
    comparison: "gt"
    warning: 80
    critical: 90
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Poller.GetTickInterval() != time.Minute {
		t.Errorf("tick interval = %v, want 1m", cfg.Poller.GetTickInterval())
	}
	if cfg.Poller.MaxRetries != 2 {
		t.Errorf("max retries = %d, want 2", cfg.Poller.MaxRetries)
	}
	if cfg.Baseline.MaxSamples != 288 || cfg.Baseline.MinSamples != 5 {
		t.Errorf("baseline defaults = %d/%d, want 288/5", cfg.Baseline.MaxSamples, cfg.Baseline.MinSamples)
	}
	if cfg.Baseline.GetRetention() != 24*time.Hour {
		t.Errorf("baseline retention = %v, want 24h", cfg.Baseline.GetRetention())
	}
	if cfg.Anomaly.ZScoreThreshold != 3.0 || cfg.Anomaly.MinConsecutive != 3 {
		t.Errorf("anomaly defaults = %v/%d", cfg.Anomaly.ZScoreThreshold, cfg.Anomaly.MinConsecutive)
	}
	if len(cfg.Health.Categories) == 0 {
		t.Errorf("no default health categories")
	}

	// Target defaults.
	target := cfg.Targets[0]
	if target.Port != 61208 {
		t.Errorf("target port = %d, want 61208", target.Port)
	}
	if target.Protocol != "http" {
		t.Errorf("target protocol = %q, want http", target.Protocol)
	}
	if target.TimeoutSeconds != cfg.Poller.DefaultTimeoutSec {
		t.Errorf("target timeout = %d, want poller default %d", target.TimeoutSeconds, cfg.Poller.DefaultTimeoutSec)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no jwt secret", `
auth:
  admin_username: "admin"
  admin_password: "a-strong-password"
database:
  host: "localhost"
  dbname: "fleetpulse"
`},
		{"short jwt secret", `
auth:
  admin_username: "admin"
  admin_password: "a-strong-password"
  jwt_secret: "short"
database:
  host: "localhost"
  dbname: "fleetpulse"
`},
		{"default admin password", `
auth:
  admin_username: "admin"
  admin_password: "changeme"
  jwt_secret: "0123456789abcdef0123456789abcdef"
database:
  host: "localhost"
  dbname: "fleetpulse"
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Errorf("invalid config accepted")
			}
		})
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	body := minimalYAML + `
logging:
  level: "verbose"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Errorf("invalid log level accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FP_DATABASE_HOST", "db.internal")
	t.Setenv("FP_DATABASE_PORT", "5433")
	t.Setenv("FP_AUTH_JWT_SECRET", "ffffffffffffffffffffffffffffffff")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database host = %q, want env override", cfg.Database.Host)
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("database port = %d, want 5433", cfg.Database.Port)
	}
	if cfg.Auth.JWTSecret != "ffffffffffffffffffffffffffffffff" {
		t.Errorf("jwt secret not overridden from environment")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestDSNFormat(t *testing.T) {
	d := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "db", SSLMode: "disable",
	}
	want := "host=localhost port=5432 user=u password=p dbname=db sslmode=disable"
	if got := d.GetDSN(); got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
