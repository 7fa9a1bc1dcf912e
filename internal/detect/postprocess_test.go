package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(cx, cy, w, h, conf float32) []float32 {
	return []float32{cx, cy, w, h, conf, cx - w/4, cy - h/6, cx + w/4, cy - h/6}
}

func TestRowDecoder(t *testing.T) {
	t.Parallel()

	var raw []float32
	raw = append(raw, row(0.5, 0.5, 0.3, 0.3, 0.9)...)
	raw = append(raw, row(0.52, 0.5, 0.3, 0.3, 0.8)...) // suppressed by the first
	raw = append(raw, row(0.1, 0.1, 0.1, 0.1, 0.2)...)  // below threshold
	raw = append(raw, row(0.8, 0.2, 0.1, 0.1, 0.75)...)

	d := &RowDecoder{ConfThreshold: 0.5, NMSThreshold: 0.5}
	dst := NewBoxList(10)
	require.NoError(t, d.Process([][]float32{raw}, dst))

	require.Equal(t, 2, dst.Len())
	assert.InDelta(t, 0.9, dst.At(0).Prob, 1e-6)
	assert.InDelta(t, 0.8, dst.At(1).XCenter, 1e-6)
	assert.InDelta(t, 0.425, dst.At(0).Keypoints[0].X, 1e-6)
}

func TestRowDecoderErrors(t *testing.T) {
	t.Parallel()

	d := &RowDecoder{}
	assert.Error(t, d.Process([][]float32{{1, 2, 3}}, NewBoxList(1)))
	assert.NoError(t, d.Process(nil, NewBoxList(1)))

	var raw []float32
	raw = append(raw, row(0.2, 0.2, 0.1, 0.1, 0.9)...)
	raw = append(raw, row(0.8, 0.8, 0.1, 0.1, 0.9)...)
	assert.ErrorIs(t, d.Process([][]float32{raw}, NewBoxList(1)), ErrBoxListFull)
}

func TestNMSKeepsDisjoint(t *testing.T) {
	t.Parallel()

	in := []BoundingBox{box(0.2, 0.2, 0.1, 0.1, 0.5), box(0.7, 0.7, 0.1, 0.1, 0.9)}
	out := NMS(in, 0.3)
	require.Len(t, out, 2)
	assert.Equal(t, 0.9, out[0].Prob)
}
