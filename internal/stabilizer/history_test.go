package stabilizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/faceverify/internal/config"
)

func TestComputeEmpty(t *testing.T) {
	t.Parallel()

	h := New(5, 0.5, 0.01)
	mean, stable := h.Compute()
	assert.Equal(t, 0.0, mean)
	assert.False(t, stable)
}

func TestStabilityNeedsThreeSamples(t *testing.T) {
	t.Parallel()

	h := New(5, 0.5, 0.01)
	h.Push(0.9)
	_, stable := h.Compute()
	assert.False(t, stable)

	h.Push(0.9)
	_, stable = h.Compute()
	assert.False(t, stable, "two identical high samples are not enough")

	h.Push(0.9)
	mean, stable := h.Compute()
	assert.InDelta(t, 0.9, mean, 1e-12)
	assert.True(t, stable)
}

func TestVarianceGate(t *testing.T) {
	t.Parallel()

	h := New(5, 0.5, 0.01)
	for _, s := range []float64{0.9, 0.3, 0.9, 0.3, 0.9} {
		h.Push(s)
	}
	mean, stable := h.Compute()
	assert.InDelta(t, 0.66, mean, 1e-12)
	assert.False(t, stable, "mean above threshold but variance 0.0864")
}

func TestMeanBelowThreshold(t *testing.T) {
	t.Parallel()

	h := New(5, 0.5, 0.01)
	for i := 0; i < 5; i++ {
		h.Push(0.45)
	}
	_, stable := h.Compute()
	assert.False(t, stable)
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := New(3, 0.5, 0.01)
	for _, s := range []float64{0.1, 0.1, 0.1, 0.8, 0.8, 0.8} {
		h.Push(s)
	}
	require.Equal(t, 3, h.Count())
	mean, stable := h.Compute()
	assert.InDelta(t, 0.8, mean, 1e-12)
	assert.True(t, stable)
}

func TestResetAndDisplay(t *testing.T) {
	t.Parallel()

	h := FromTuning(config.EmptyTuningConfig())
	assert.Equal(t, 0.55, h.Threshold)
	assert.Equal(t, 0.01, h.MaxVariance)

	h.Push(0.6)
	h.Push(0.7)
	assert.Equal(t, 0.7, h.Display(0.7), "raw before three samples")
	h.Push(0.8)
	assert.InDelta(t, 0.7, h.Display(0.8), 1e-12, "mean afterwards")

	h.Reset()
	assert.Equal(t, 0, h.Count())
	mean, stable := h.Compute()
	assert.Equal(t, 0.0, mean)
	assert.False(t, stable)
}
