package embedding

import (
	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity returns dot(a,b)/(|a||b|). It returns 0 for empty or
// mismatched vectors and whenever either norm is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Dequantize converts int8 network output to floats by dividing by scale.
// A non-positive scale is treated as 1.
func Dequantize(raw []int8, scale float64) []float64 {
	if scale <= 0 {
		scale = 1
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / scale
	}
	return out
}

// FromFloat32 widens a float32 network output.
func FromFloat32(raw []float32) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out
}
