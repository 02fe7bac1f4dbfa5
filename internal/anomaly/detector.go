// Package anomaly flags statistical outliers against the rolling baselines:
// single-sample spikes by z-score and sustained distribution shifts by a
// short-window/long-window divergence heuristic.
package anomaly

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// minStdDev guards the z-score against flat baselines; a constant series
// followed by any different value is a spike by construction.
const minStdDev = 1e-9

// Detector evaluates each snapshot against the pre-ingestion baseline state
// and materializes the latest findings per server. An empty result is the
// common case, not an error.
type Detector struct {
	zThreshold      float64
	shortWindow     int
	shiftMultiplier float64
	minConsecutive  int

	baselines *baseline.Manager
	logger    *slog.Logger

	mu      sync.RWMutex
	latest  map[string][]models.AnomalyFinding
	shifted map[string]int // consecutive divergent ticks per server\x00metric
}

// NewDetector builds a detector over the given baseline manager.
func NewDetector(cfg config.AnomalyConfig, baselines *baseline.Manager, logger *slog.Logger) *Detector {
	return &Detector{
		zThreshold:      cfg.ZScoreThreshold,
		shortWindow:     cfg.ShortWindow,
		shiftMultiplier: cfg.ShiftMultiplier,
		minConsecutive:  cfg.MinConsecutive,
		baselines:       baselines,
		logger:          logger.With("component", "anomaly"),
		latest:          make(map[string][]models.AnomalyFinding),
		shifted:         make(map[string]int),
	}
}

// Ingest evaluates the snapshot. It must run before the baseline manager
// ingests the same snapshot, so values are compared against the history that
// preceded them.
func (d *Detector) Ingest(snapshot *models.MetricSnapshot) {
	findings := make([]models.AnomalyFinding, 0)

	d.mu.Lock()
	defer d.mu.Unlock()

	for path, value := range snapshot.Metrics {
		mean, stddev, count := d.baselines.Stats(snapshot.ServerAlias, path)
		if count < d.baselines.MinSamples() {
			continue
		}

		z := (value - mean) / math.Max(stddev, minStdDev)
		if math.Abs(z) > d.zThreshold {
			findings = append(findings, models.AnomalyFinding{
				ServerAlias: snapshot.ServerAlias,
				MetricPath:  path,
				Value:       value,
				ZScore:      z,
				Kind:        models.AnomalySpike,
				Timestamp:   snapshot.Timestamp,
			})
		}

		if finding, ok := d.checkShift(snapshot, path, value, mean, stddev); ok {
			findings = append(findings, finding)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return math.Abs(findings[i].ZScore) > math.Abs(findings[j].ZScore)
	})

	d.latest[snapshot.ServerAlias] = findings

	if len(findings) > 0 {
		d.logger.Info("anomalies detected",
			"server", snapshot.ServerAlias,
			"count", len(findings),
			"top_metric", findings[0].MetricPath,
		)
	}
}

// checkShift applies the change-point heuristic: the short-window mean must
// diverge from the long-window mean by more than shiftMultiplier long-window
// standard deviations for minConsecutive consecutive ticks.
func (d *Detector) checkShift(snapshot *models.MetricSnapshot, path string, value, longMean, longStdDev float64) (models.AnomalyFinding, bool) {
	key := snapshot.ServerAlias + "\x00" + path

	recent := d.baselines.RecentValues(snapshot.ServerAlias, path, d.shortWindow-1)
	recent = append(recent, value)
	if len(recent) < d.shortWindow {
		d.shifted[key] = 0
		return models.AnomalyFinding{}, false
	}

	var sum float64
	for _, v := range recent {
		sum += v
	}
	shortMean := sum / float64(len(recent))

	divergence := math.Abs(shortMean - longMean)
	if divergence > d.shiftMultiplier*math.Max(longStdDev, minStdDev) {
		d.shifted[key]++
	} else {
		d.shifted[key] = 0
	}

	if d.shifted[key] < d.minConsecutive {
		return models.AnomalyFinding{}, false
	}

	z := (shortMean - longMean) / math.Max(longStdDev, minStdDev)
	return models.AnomalyFinding{
		ServerAlias: snapshot.ServerAlias,
		MetricPath:  path,
		Value:       value,
		ZScore:      z,
		Kind:        models.AnomalySustainedShift,
		Timestamp:   snapshot.Timestamp,
	}, true
}

// Findings returns the latest materialized findings, ranked by |z-score|,
// optionally filtered to one server.
func (d *Detector) Findings(serverAlias string) []models.AnomalyFinding {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if serverAlias != "" {
		out := make([]models.AnomalyFinding, len(d.latest[serverAlias]))
		copy(out, d.latest[serverAlias])
		return out
	}

	var out []models.AnomalyFinding
	for _, findings := range d.latest {
		out = append(out, findings...)
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore)
	})
	return out
}
