// Package stabilizer smooths per-frame similarity scores into a verdict
// that does not flicker with single-frame noise.
package stabilizer

import (
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/faceverify/internal/config"
)

const (
	// DefaultSize is the number of similarity samples retained.
	DefaultSize = 5
	// MinSamples is the number of samples needed before a verdict can be stable.
	MinSamples = 3
	// DefaultMaxVariance is the population variance below which samples agree.
	DefaultMaxVariance = 0.01
)

// History is a ring buffer of recent similarity samples.
type History struct {
	Threshold   float64 // mean similarity needed for a stable verdict
	MaxVariance float64

	samples []float64
	idx     int
	count   int
	window  []float64
}

// New returns an empty history of the given size.
func New(size int, threshold, maxVariance float64) *History {
	if size <= 0 {
		size = DefaultSize
	}
	return &History{
		Threshold:   threshold,
		MaxVariance: maxVariance,
		samples:     make([]float64, size),
		window:      make([]float64, 0, size),
	}
}

// FromTuning builds a History from a loaded TuningConfig.
func FromTuning(cfg *config.TuningConfig) *History {
	return New(cfg.GetHistorySize(), cfg.GetSimilarityThreshold(), cfg.GetStabilityVariance())
}

// Push records a sample, overwriting the oldest once the buffer is full.
func (h *History) Push(sim float64) {
	h.samples[h.idx] = sim
	h.idx = (h.idx + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

// Count returns the number of valid samples.
func (h *History) Count() int { return h.count }

// Reset forgets every sample.
func (h *History) Reset() {
	h.idx = 0
	h.count = 0
}

// Compute returns the mean of the valid samples and whether they form a
// stable verdict: at least MinSamples samples, mean at or above Threshold
// and population variance below MaxVariance. With no samples it returns
// (0, false).
func (h *History) Compute() (mean float64, stable bool) {
	if h.count == 0 {
		return 0, false
	}
	// Valid samples are always the first count slots: the ring only wraps
	// once it is full.
	h.window = append(h.window[:0], h.samples[:h.count]...)
	mean, variance := stat.PopMeanVariance(h.window, nil)
	stable = h.count >= MinSamples && mean >= h.Threshold && variance < h.MaxVariance
	return mean, stable
}

// Display returns the value to show for the latest sample: the mean once
// MinSamples samples exist, the raw sample before that.
func (h *History) Display(raw float64) float64 {
	if h.count < MinSamples {
		return raw
	}
	mean, _ := h.Compute()
	return mean
}
