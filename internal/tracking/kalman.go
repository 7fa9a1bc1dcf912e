package tracking

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/faceverify/internal/detect"
)

const (
	stateDim       = 8 // x, y, w, h, vx, vy, vw, vh
	measurementDim = 4 // x, y, w, h
)

// KalmanFilter is a constant-velocity filter over a box's centre and size.
// Velocities are expressed per frame.
type KalmanFilter struct {
	x *mat.VecDense // state mean
	p *mat.Dense    // state covariance

	f *mat.Dense // transition
	h *mat.Dense // measurement
	q *mat.Dense // process noise
	r *mat.Dense // measurement noise
}

// NewKalmanFilter initialises a filter at box with zero velocity.
func NewKalmanFilter(box detect.BoundingBox, processNoise, measurementNoise float64) *KalmanFilter {
	kf := &KalmanFilter{
		x: mat.NewVecDense(stateDim, []float64{box.XCenter, box.YCenter, box.Width, box.Height, 0, 0, 0, 0}),
		p: mat.NewDense(stateDim, stateDim, nil),
		f: mat.NewDense(stateDim, stateDim, nil),
		h: mat.NewDense(measurementDim, stateDim, nil),
		q: mat.NewDense(stateDim, stateDim, nil),
		r: mat.NewDense(measurementDim, measurementDim, nil),
	}
	for i := 0; i < stateDim; i++ {
		kf.f.Set(i, i, 1)
		kf.q.Set(i, i, processNoise)
		if i < measurementDim {
			kf.f.Set(i, i+measurementDim, 1)
			kf.p.Set(i, i, measurementNoise)
		} else {
			// Velocity starts unknown.
			kf.p.Set(i, i, 10*processNoise)
		}
	}
	for i := 0; i < measurementDim; i++ {
		kf.h.Set(i, i, 1)
		kf.r.Set(i, i, measurementNoise)
	}
	return kf
}

// Predict advances the state by one frame.
func (kf *KalmanFilter) Predict() {
	var x mat.VecDense
	x.MulVec(kf.f, kf.x)
	kf.x = &x

	var fp, p mat.Dense
	fp.Mul(kf.f, kf.p)
	p.Mul(&fp, kf.f.T())
	p.Add(&p, kf.q)
	kf.p = &p

	// Size cannot go negative; a shrinking face stops at zero.
	for i := 2; i < 4; i++ {
		if kf.x.AtVec(i) < 0 {
			kf.x.SetVec(i, 0)
			kf.x.SetVec(i+measurementDim, 0)
		}
	}
}

// Update corrects the state with a measured box.
func (kf *KalmanFilter) Update(box detect.BoundingBox) error {
	z := mat.NewVecDense(measurementDim, []float64{box.XCenter, box.YCenter, box.Width, box.Height})

	var hx, y mat.VecDense
	hx.MulVec(kf.h, kf.x)
	y.SubVec(z, &hx)

	var hp, s mat.Dense
	hp.Mul(kf.h, kf.p)
	s.Mul(&hp, kf.h.T())
	s.Add(&s, kf.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("tracking: singular innovation covariance: %w", err)
	}

	var pht, k mat.Dense
	pht.Mul(kf.p, kf.h.T())
	k.Mul(&pht, &sInv)

	var dx, x mat.VecDense
	dx.MulVec(&k, &y)
	x.AddVec(kf.x, &dx)
	kf.x = &x

	var kh, ikh, p mat.Dense
	kh.Mul(&k, kf.h)
	ikh.Sub(identity(stateDim), &kh)
	p.Mul(&ikh, kf.p)
	kf.p = &p
	return nil
}

// Box returns the current state estimate as a box with Prob zero.
func (kf *KalmanFilter) Box() detect.BoundingBox {
	return detect.BoundingBox{
		XCenter: kf.x.AtVec(0),
		YCenter: kf.x.AtVec(1),
		Width:   kf.x.AtVec(2),
		Height:  kf.x.AtVec(3),
	}
}

// State returns a copy of the 8-element state mean.
func (kf *KalmanFilter) State() [stateDim]float64 {
	var s [stateDim]float64
	for i := range s {
		s[i] = kf.x.AtVec(i)
	}
	return s
}

// Finite reports whether the mean and covariance diagonal are free of NaN
// and Inf.
func (kf *KalmanFilter) Finite() bool {
	for i := 0; i < stateDim; i++ {
		v := kf.x.AtVec(i)
		d := kf.p.At(i, i)
		if math.IsNaN(v) || math.IsInf(v, 0) || math.IsNaN(d) || math.IsInf(d, 0) {
			return false
		}
	}
	return true
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
