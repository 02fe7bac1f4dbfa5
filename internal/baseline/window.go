package baseline

import (
	"math"
	"sort"
	"time"
)

// Sample is one retained (timestamp, value) observation.
type Sample struct {
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"v"`
}

// window is a bounded sliding window over one (server, metric) series with
// incrementally maintained mean and variance. Eviction is oldest-first, by
// count bound or retention horizon, whichever triggers first.
//
// Mean and M2 follow Welford's online algorithm; removal applies the inverse
// update so the window never has to be re-scanned.
type window struct {
	samples []Sample
	mean    float64
	m2      float64
	lastAt  time.Time
}

func (w *window) add(ts time.Time, value float64, maxSamples int, horizon time.Time) {
	w.samples = append(w.samples, Sample{Timestamp: ts, Value: value})
	w.lastAt = ts

	n := float64(len(w.samples))
	delta := value - w.mean
	w.mean += delta / n
	w.m2 += delta * (value - w.mean)

	w.evict(maxSamples, horizon)
}

// evict drops the oldest samples while the window exceeds its count bound or
// contains entries older than the retention horizon.
func (w *window) evict(maxSamples int, horizon time.Time) {
	for len(w.samples) > 0 {
		over := len(w.samples) > maxSamples
		stale := w.samples[0].Timestamp.Before(horizon)
		if !over && !stale {
			return
		}
		w.removeOldest()
	}
}

// removeOldest reverses one Welford update for the oldest sample and drops it.
func (w *window) removeOldest() {
	n := float64(len(w.samples))
	value := w.samples[0].Value
	if n <= 1 {
		w.samples = w.samples[:0]
		w.mean = 0
		w.m2 = 0
		return
	}
	meanWithout := (n*w.mean - value) / (n - 1)
	w.m2 -= (value - w.mean) * (value - meanWithout)
	if w.m2 < 0 {
		w.m2 = 0 // floating point drift
	}
	w.mean = meanWithout
	w.samples = w.samples[1:]
}

func (w *window) count() int { return len(w.samples) }

func (w *window) stddev() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(n-1))
}

func (w *window) windowStart() time.Time {
	if len(w.samples) == 0 {
		return time.Time{}
	}
	return w.samples[0].Timestamp
}

// percentile computes the q-th percentile (0..100) by linear interpolation.
// It sorts a copy, keeping the query O(n log n) in the window size and the
// ingest path untouched.
func (w *window) percentile(q float64) float64 {
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	values := make([]float64, n)
	for i, s := range w.samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	if n == 1 {
		return values[0]
	}
	rank := q / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return values[lo]
	}
	frac := rank - float64(lo)
	return values[lo] + frac*(values[hi]-values[lo])
}

// tail returns the most recent k values, oldest first.
func (w *window) tail(k int) []float64 {
	n := len(w.samples)
	if k > n {
		k = n
	}
	out := make([]float64, 0, k)
	for _, s := range w.samples[n-k:] {
		out = append(out, s.Value)
	}
	return out
}
