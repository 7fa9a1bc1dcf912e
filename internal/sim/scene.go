// Package sim is a synthetic camera and model pair for development
// without hardware: a Scene renders flat-coloured "faces" moving over a
// dark background, Detector finds them by colour and Embedder turns a
// face's colour into a stable embedding.
package sim

import (
	"context"
	"image/color"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/timeutil"
)

// Background is the scene backdrop colour.
var Background = color.RGBA{R: 16, G: 16, B: 24, A: 255}

// Palette holds the face colours. Each colour is a distinct identity.
var Palette = []color.RGBA{
	{R: 220, G: 60, B: 60, A: 255},
	{R: 60, G: 200, B: 90, A: 255},
	{R: 70, G: 90, B: 230, A: 255},
	{R: 230, G: 200, B: 50, A: 255},
}

// Face is one moving rectangle in pixel coordinates.
type Face struct {
	Color  color.RGBA
	X, Y   float64 // top-left
	W, H   float64
	VX, VY float64 // pixels per frame

	// Visible is false while the face is out of view.
	Visible bool
}

// Box returns f as a normalized bounding box with eye keypoints on the
// upper third.
func (f Face) Box(width, height int) detect.BoundingBox {
	fw, fh := float64(width), float64(height)
	b := detect.BoundingBox{
		XCenter: (f.X + f.W/2) / fw,
		YCenter: (f.Y + f.H/2) / fh,
		Width:   f.W / fw,
		Height:  f.H / fh,
		Prob:    1,
	}
	eyeY := (f.Y + f.H/3) / fh
	b.Keypoints[0] = detect.Keypoint{X: (f.X + f.W*0.3) / fw, Y: eyeY}
	b.Keypoints[1] = detect.Keypoint{X: (f.X + f.W*0.7) / fw, Y: eyeY}
	return b
}

// SceneConfig describes a synthetic scene.
type SceneConfig struct {
	Width, Height int
	FPS           int

	// Faces is the number of faces, at most len(Palette).
	Faces int
	// Frames ends the scene after this many frames. 0 runs forever.
	Frames uint64
	// Seed makes motion reproducible.
	Seed uint64
	// BlinkEvery hides the first face for one frame in every BlinkEvery
	// frames, to exercise track loss. 0 disables it.
	BlinkEvery uint64
}

// Scene is a capture.Source of synthetic frames.
type Scene struct {
	cfg   SceneConfig
	clock timeutil.Clock

	mu    sync.Mutex
	faces []Face
	seq   uint64
	last  time.Time
}

var _ capture.Source = (*Scene)(nil)

// NewScene places cfg.Faces faces at random positions. A nil clock uses
// the wall clock.
func NewScene(cfg SceneConfig, clock timeutil.Clock) *Scene {
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Faces < 0 {
		cfg.Faces = 0
	}
	if cfg.Faces > len(Palette) {
		cfg.Faces = len(Palette)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	w, h := float64(cfg.Width), float64(cfg.Height)
	faces := make([]Face, cfg.Faces)
	// Faces start in separate columns so the first frames have no overlap.
	lane := w / float64(max(1, cfg.Faces))
	for i := range faces {
		size := min(h*(0.25+0.1*rng.Float64()), lane*0.8)
		faces[i] = Face{
			Color:   Palette[i],
			X:       float64(i)*lane + rng.Float64()*(lane-size),
			Y:       rng.Float64() * (h - size),
			W:       size,
			H:       size,
			VX:      (rng.Float64()*2 - 1) * w / 100,
			VY:      (rng.Float64()*2 - 1) * h / 100,
			Visible: true,
		}
	}
	return &Scene{cfg: cfg, clock: clock, faces: faces}
}

// Faces returns the faces as drawn in the latest frame.
func (s *Scene) Faces() []Face {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Face(nil), s.faces...)
}

// NextFrame implements capture.Source. Frames are paced at the configured
// rate.
func (s *Scene) NextFrame(ctx context.Context) (*capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Frames > 0 && s.seq >= s.cfg.Frames {
		return nil, capture.ErrSourceClosed
	}

	period := time.Second / time.Duration(s.cfg.FPS)
	if !s.last.IsZero() {
		if wait := period - s.clock.Since(s.last); wait > 0 {
			s.clock.Sleep(wait)
		}
	}
	s.last = s.clock.Now()

	if s.seq > 0 {
		s.move()
	}
	s.seq++
	if s.cfg.BlinkEvery > 0 && len(s.faces) > 0 {
		s.faces[0].Visible = s.seq%s.cfg.BlinkEvery != 0
	}
	return s.render(), nil
}

func (s *Scene) move() {
	w, h := float64(s.cfg.Width), float64(s.cfg.Height)
	for i := range s.faces {
		f := &s.faces[i]
		f.X += f.VX
		f.Y += f.VY
		if f.X < 0 || f.X+f.W > w {
			f.VX = -f.VX
			f.X = clamp(f.X, 0, w-f.W)
		}
		if f.Y < 0 || f.Y+f.H > h {
			f.VY = -f.VY
			f.Y = clamp(f.Y, 0, h-f.H)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func (s *Scene) render() *capture.Frame {
	w, h := s.cfg.Width, s.cfg.Height
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = Background.R, Background.G, Background.B
	}
	for _, f := range s.faces {
		if !f.Visible {
			continue
		}
		x0, y0 := int(f.X), int(f.Y)
		x1, y1 := min(w, int(f.X+f.W)), min(h, int(f.Y+f.H))
		for y := max(0, y0); y < y1; y++ {
			for x := max(0, x0); x < x1; x++ {
				o := (y*w + x) * 3
				data[o], data[o+1], data[o+2] = f.Color.R, f.Color.G, f.Color.B
			}
		}
	}
	return &capture.Frame{
		Seq:       s.seq,
		Width:     w,
		Height:    h,
		Format:    capture.RGB888,
		Data:      data,
		Timestamp: s.last,
	}
}
