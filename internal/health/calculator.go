// Package health computes a weighted composite score per server from the
// latest snapshot's deviation against the rolling baselines.
package health

import (
	"log/slog"
	"math"
	"sync"

	"github.com/fleetpulse/fleetpulse/internal/baseline"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/models"
)

// Calculator derives per-category sub-scores from baseline deviation and
// combines them with configurable weights. Categories without enough baseline
// data are excluded and the remaining weights renormalized; missing data is
// never scored as zero.
type Calculator struct {
	categories []config.HealthCategory
	decay      float64
	baselines  *baseline.Manager
	logger     *slog.Logger

	mu     sync.RWMutex
	latest map[string]models.HealthScore
}

// NewCalculator builds a calculator over the given baseline manager.
func NewCalculator(cfg config.HealthConfig, baselines *baseline.Manager, logger *slog.Logger) *Calculator {
	return &Calculator{
		categories: cfg.Categories,
		decay:      cfg.DecayPerStdDev,
		baselines:  baselines,
		logger:     logger.With("component", "health"),
		latest:     make(map[string]models.HealthScore),
	}
}

// Ingest recomputes and materializes the server's score for this tick.
func (c *Calculator) Ingest(snapshot *models.MetricSnapshot) {
	score := c.compute(snapshot)

	c.mu.Lock()
	c.latest[snapshot.ServerAlias] = score
	c.mu.Unlock()
}

// Latest returns the most recently materialized score for a server. The
// second return is false when the server has never completed a scored tick.
func (c *Calculator) Latest(serverAlias string) (models.HealthScore, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	score, ok := c.latest[serverAlias]
	return score, ok
}

// compute builds the composite score for one snapshot.
func (c *Calculator) compute(snapshot *models.MetricSnapshot) models.HealthScore {
	score := models.HealthScore{
		ServerAlias: snapshot.ServerAlias,
		Breakdown:   make(map[string]float64, len(c.categories)),
		Timestamp:   snapshot.Timestamp,
	}

	var weighted, totalWeight float64
	for _, cat := range c.categories {
		value, present := snapshot.Metrics[cat.MetricPath]
		if !present {
			continue
		}

		sub, err := c.subScore(snapshot.ServerAlias, cat.MetricPath, value)
		if err != nil {
			// Cold baseline: exclude the category rather than treating
			// the gap as a zero score.
			c.logger.Debug("category excluded from health score",
				"server", snapshot.ServerAlias,
				"category", cat.Name,
				"error", err,
			)
			continue
		}

		score.Breakdown[cat.Name] = sub
		weighted += sub * cat.Weight
		totalWeight += cat.Weight
	}

	if totalWeight > 0 {
		score.Score = clamp(weighted/totalWeight, 0, 100)
	}
	score.Status = statusBand(score.Score, totalWeight > 0)
	return score
}

// subScore maps baseline deviation to [0,100]: within one standard deviation
// of the mean scores 100, then decays linearly per additional deviation.
func (c *Calculator) subScore(serverAlias, metricPath string, value float64) (float64, error) {
	mean, stddev, count := c.baselines.Stats(serverAlias, metricPath)
	if count < c.baselines.MinSamples() {
		return 0, baseline.ErrInsufficientData
	}

	if stddev == 0 {
		if value == mean {
			return 100, nil
		}
		return 0, nil
	}

	z := math.Abs(value-mean) / stddev
	if z <= 1 {
		return 100, nil
	}
	return clamp(100-(z-1)*c.decay, 0, 100), nil
}

// statusBand maps the composite onto the coarse status ladder.
func statusBand(score float64, scored bool) string {
	switch {
	case !scored:
		return "unknown"
	case score < 20:
		return "critical"
	case score < 50:
		return "warning"
	case score < 80:
		return "degraded"
	default:
		return "healthy"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
