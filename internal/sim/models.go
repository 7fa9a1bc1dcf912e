package sim

import (
	"context"
	"fmt"
	"image/color"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/verify"
)

var (
	_ verify.Runner = (*Detector)(nil)
	_ verify.Runner = (*Embedder)(nil)
)

// Detector finds palette-coloured regions in a planar RGB tensor with raw
// 0..255 values and emits one detect.RowDecoder row per colour found.
type Detector struct {
	Width, Height int
	Palette       []color.RGBA

	// Tolerance is the per-channel colour distance accepted as a match.
	Tolerance float32
	// MinPixels is the smallest region reported.
	MinPixels int
}

// NewDetector returns a detector for w×h input matching Palette.
func NewDetector(w, h int) *Detector {
	return &Detector{Width: w, Height: h, Palette: Palette, Tolerance: 24, MinPixels: 16}
}

type region struct {
	x0, y0, x1, y1 int
	n              int
}

// Run implements verify.Runner.
func (d *Detector) Run(ctx context.Context, input []float32) ([][]float32, error) {
	plane := d.Width * d.Height
	if plane == 0 || len(input) != 3*plane {
		return nil, fmt.Errorf("sim: detector input has %d values, want %d", len(input), 3*plane)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	regions := make([]region, len(d.Palette))
	for i := range regions {
		regions[i] = region{x0: d.Width, y0: d.Height, x1: -1, y1: -1}
	}
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			i := y*d.Width + x
			r, g, b := input[i], input[plane+i], input[2*plane+i]
			for k, c := range d.Palette {
				if !near(r, c.R, d.Tolerance) || !near(g, c.G, d.Tolerance) || !near(b, c.B, d.Tolerance) {
					continue
				}
				reg := &regions[k]
				reg.x0, reg.y0 = min(reg.x0, x), min(reg.y0, y)
				reg.x1, reg.y1 = max(reg.x1, x), max(reg.y1, y)
				reg.n++
				break
			}
		}
	}

	fw, fh := float64(d.Width), float64(d.Height)
	var rows []float32
	for _, reg := range regions {
		if reg.n < d.MinPixels {
			continue
		}
		w := float64(reg.x1 - reg.x0 + 1)
		h := float64(reg.y1 - reg.y0 + 1)
		box := detect.BoundingBox{
			XCenter: (float64(reg.x0) + w/2) / fw,
			YCenter: (float64(reg.y0) + h/2) / fh,
			Width:   w / fw,
			Height:  h / fh,
			Prob:    min(1, float64(reg.n)/(w*h)),
		}
		eyeY := (float64(reg.y0) + h/3) / fh
		rows = append(rows,
			float32(box.XCenter), float32(box.YCenter), float32(box.Width), float32(box.Height), float32(box.Prob),
			float32((float64(reg.x0)+w*0.3)/fw), float32(eyeY),
			float32((float64(reg.x0)+w*0.7)/fw), float32(eyeY),
		)
	}
	return [][]float32{rows}, nil
}

func near(v float32, c uint8, tol float32) bool {
	d := v - float32(c)
	return d >= -tol && d <= tol
}

// Embedder maps the mean colour of the centre of an aligned face to an
// embedding.Dim vector through a fixed random projection, so the same
// colour always yields the same direction.
type Embedder struct {
	Width, Height int

	proj *mat.Dense
}

// NewEmbedder returns an embedder for w×h aligned faces. The projection is
// derived from seed.
func NewEmbedder(w, h int, seed uint64) *Embedder {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float64, embedding.Dim*3)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return &Embedder{Width: w, Height: h, proj: mat.NewDense(embedding.Dim, 3, data)}
}

// Run implements verify.Runner. input is planar RGB normalized the way
// verify.FaceRecognizer packs it.
func (e *Embedder) Run(ctx context.Context, input []float32) ([][]float32, error) {
	plane := e.Width * e.Height
	if plane == 0 || len(input) != 3*plane {
		return nil, fmt.Errorf("sim: embedder input has %d values, want %d", len(input), 3*plane)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sum [3]float64
	n := 0
	for y := e.Height / 4; y < e.Height*3/4; y++ {
		for x := e.Width / 4; x < e.Width*3/4; x++ {
			i := y*e.Width + x
			for c := 0; c < 3; c++ {
				sum[c] += float64(input[c*plane+i])
			}
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("sim: embedder input %dx%d too small", e.Width, e.Height)
	}
	mean := mat.NewVecDense(3, []float64{sum[0] / float64(n), sum[1] / float64(n), sum[2] / float64(n)})

	var v mat.VecDense
	v.MulVec(e.proj, mean)
	out := make([]float32, embedding.Dim)
	for i := range out {
		out[i] = float32(v.AtVec(i))
	}
	return [][]float32{out}, nil
}
