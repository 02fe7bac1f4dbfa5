// Package baseline maintains rolling statistics per (server, metric):
// a bounded sliding window with incrementally updated mean and variance,
// and lazily computed percentiles.
package baseline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// ErrInsufficientData is returned for queries against a metric whose window
// holds fewer than the configured minimum of samples. It is a legitimate
// steady state for cold-started metrics, not a failure.
var ErrInsufficientData = errors.New("insufficient baseline data")

// Manager owns every per-(server, metric) window. Ingest is serialized
// per server by the engine core; queries take read locks only.
type Manager struct {
	mu      sync.RWMutex
	windows map[string]map[string]*window

	maxSamples int
	retention  time.Duration
	minSamples int
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a baseline manager from configuration.
func NewManager(cfg config.BaselineConfig, logger *slog.Logger) *Manager {
	return &Manager{
		windows:    make(map[string]map[string]*window),
		maxSamples: cfg.MaxSamples,
		retention:  cfg.GetRetention(),
		minSamples: cfg.MinSamples,
		logger:     logger.With("component", "baseline"),
		now:        time.Now,
	}
}

// Ingest appends every metric in the snapshot to its window, evicting samples
// past the retention horizon or over the count bound.
func (m *Manager) Ingest(snapshot *models.MetricSnapshot) {
	if len(snapshot.Metrics) == 0 {
		return
	}
	horizon := snapshot.Timestamp.Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	byMetric, ok := m.windows[snapshot.ServerAlias]
	if !ok {
		byMetric = make(map[string]*window, len(snapshot.Metrics))
		m.windows[snapshot.ServerAlias] = byMetric
	}

	for path, value := range snapshot.Metrics {
		w, ok := byMetric[path]
		if !ok {
			w = &window{}
			byMetric[path] = w
		}
		w.add(snapshot.Timestamp, value, m.maxSamples, horizon)
	}
}

// Query returns the statistical summary for one (server, metric) pair.
// Percentiles are recomputed on demand, never on the ingest path.
func (m *Manager) Query(serverAlias, metricPath string) (models.BaselineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := m.lookup(serverAlias, metricPath)
	if w == nil || w.count() < m.minSamples {
		have := 0
		if w != nil {
			have = w.count()
		}
		return models.BaselineStats{}, fmt.Errorf(
			"%w: %s/%s has %d samples, need %d",
			ErrInsufficientData, serverAlias, metricPath, have, m.minSamples,
		)
	}

	return models.BaselineStats{
		ServerAlias: serverAlias,
		MetricPath:  metricPath,
		Mean:        w.mean,
		StdDev:      w.stddev(),
		P50:         w.percentile(50),
		P95:         w.percentile(95),
		SampleCount: w.count(),
		WindowStart: w.windowStart(),
	}, nil
}

// Stats returns mean/stddev/count without percentile work, for the hot read
// paths (health scoring, anomaly detection).
func (m *Manager) Stats(serverAlias, metricPath string) (mean, stddev float64, count int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := m.lookup(serverAlias, metricPath)
	if w == nil {
		return 0, 0, 0
	}
	return w.mean, w.stddev(), w.count()
}

// MinSamples is the configured floor below which queries return
// ErrInsufficientData.
func (m *Manager) MinSamples() int { return m.minSamples }

// RecentValues returns the last k values for a metric, oldest first.
func (m *Manager) RecentValues(serverAlias, metricPath string, k int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := m.lookup(serverAlias, metricPath)
	if w == nil {
		return nil
	}
	return w.tail(k)
}

func (m *Manager) lookup(serverAlias, metricPath string) *window {
	byMetric, ok := m.windows[serverAlias]
	if !ok {
		return nil
	}
	return byMetric[metricPath]
}

// ExpireIdle drops windows that have received no ingestion for a full
// retention horizon, releasing state for disabled or removed targets.
func (m *Manager) ExpireIdle() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for alias, byMetric := range m.windows {
		for path, w := range byMetric {
			if w.lastAt.Before(cutoff) {
				delete(byMetric, path)
				expired++
			}
		}
		if len(byMetric) == 0 {
			delete(m.windows, alias)
		}
	}
	if expired > 0 {
		m.logger.Info("expired idle baseline windows", "count", expired)
	}
	return expired
}

// Snapshot is the persisted form of one window; it round-trips every sample
// with sub-second timestamps.
type Snapshot struct {
	ServerAlias string    `json:"server_alias"`
	MetricPath  string    `json:"metric_path"`
	Samples     []Sample  `json:"samples"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Export copies every live window for persistence.
func (m *Manager) Export() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for alias, byMetric := range m.windows {
		for path, w := range byMetric {
			samples := make([]Sample, len(w.samples))
			copy(samples, w.samples)
			out = append(out, Snapshot{
				ServerAlias: alias,
				MetricPath:  path,
				Samples:     samples,
				UpdatedAt:   w.lastAt,
			})
		}
	}
	return out
}

// Restore rebuilds windows from persisted snapshots, re-running the
// incremental statistics so mean and variance match the samples exactly.
// Samples past the retention horizon are skipped.
func (m *Manager) Restore(snapshots []Snapshot) {
	horizon := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, snap := range snapshots {
		byMetric, ok := m.windows[snap.ServerAlias]
		if !ok {
			byMetric = make(map[string]*window)
			m.windows[snap.ServerAlias] = byMetric
		}
		w := &window{}
		for _, s := range snap.Samples {
			if s.Timestamp.Before(horizon) {
				continue
			}
			w.add(s.Timestamp, s.Value, m.maxSamples, horizon)
		}
		if w.count() > 0 {
			byMetric[snap.MetricPath] = w
			restored++
		}
	}
	m.logger.Info("restored baselines from store", "windows", restored)
}
