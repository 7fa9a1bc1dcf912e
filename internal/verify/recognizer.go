package verify

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/imgproc"
)

// Runner is an opaque float inference engine: one input tensor in, one or
// more output tensors out.
type Runner interface {
	Run(ctx context.Context, input []float32) ([][]float32, error)
}

// QuantizedRunner is an inference engine with int8 output.
type QuantizedRunner interface {
	RunQuantized(ctx context.Context, input []float32) ([]int8, error)
}

// Recognition is the outcome of recognizing one face.
type Recognition struct {
	Embedding []float64
	Aligned   *image.RGBA
}

// Recognizer turns a face box of a frame into an embedding.
type Recognizer interface {
	Recognize(ctx context.Context, frame *capture.Frame, box detect.BoundingBox) (Recognition, error)
}

// Matcher scores an embedding against the enrolled identity.
// *embedding.Bank implements it.
type Matcher interface {
	Similarity(v []float64) float64
}

// FaceRecognizer crops and aligns the face, packs it into a tensor and runs
// the recognition network. Exactly one of Runner and Quantized is set.
type FaceRecognizer struct {
	Runner    Runner
	Quantized QuantizedRunner
	Scale     float64 // int8 dequantization scale

	Padding       float64
	Width, Height int
	Mean, Std     float32
}

// NewFaceRecognizer returns a float recognizer configured from cfg.
func NewFaceRecognizer(r Runner, cfg *config.TuningConfig) *FaceRecognizer {
	w, h := cfg.GetRecognitionSize()
	return &FaceRecognizer{
		Runner:  r,
		Scale:   cfg.GetEmbeddingScale(),
		Padding: cfg.GetBBoxPaddingFactor(),
		Width:   w,
		Height:  h,
		Mean:    127.5,
		Std:     128,
	}
}

// Recognize implements Recognizer. box is in normalized coordinates.
func (r *FaceRecognizer) Recognize(ctx context.Context, frame *capture.Frame, box detect.BoundingBox) (Recognition, error) {
	img, err := imgproc.ToRGBA(frame)
	if err != nil {
		return Recognition{}, err
	}
	pix := ToPixelCoords(box, frame.Width, frame.Height, r.Padding)
	aligned, err := imgproc.AlignFace(img, pix, r.Width, r.Height)
	if err != nil {
		return Recognition{}, err
	}
	input := imgproc.ToCHW(aligned, r.Mean, r.Std)

	var emb []float64
	switch {
	case r.Quantized != nil:
		raw, err := r.Quantized.RunQuantized(ctx, input)
		if err != nil {
			return Recognition{}, fmt.Errorf("recognition inference: %w", err)
		}
		emb = embedding.Dequantize(raw, r.Scale)
	case r.Runner != nil:
		out, err := r.Runner.Run(ctx, input)
		if err != nil {
			return Recognition{}, fmt.Errorf("recognition inference: %w", err)
		}
		if len(out) == 0 {
			return Recognition{}, fmt.Errorf("recognition inference returned no outputs")
		}
		emb = embedding.FromFloat32(out[0])
	default:
		return Recognition{}, fmt.Errorf("recognizer has no runner")
	}
	if len(emb) != embedding.Dim {
		return Recognition{}, fmt.Errorf("%w: recognition output has %d values", embedding.ErrDimension, len(emb))
	}
	return Recognition{Embedding: emb, Aligned: aligned}, nil
}

// LazyRecognizer builds its Recognizer on first use. A failed build is
// retried on the next call.
type LazyRecognizer struct {
	Build func() (Recognizer, error)

	mu sync.Mutex
	r  Recognizer
}

// Recognize implements Recognizer.
func (l *LazyRecognizer) Recognize(ctx context.Context, frame *capture.Frame, box detect.BoundingBox) (Recognition, error) {
	l.mu.Lock()
	if l.r == nil {
		r, err := l.Build()
		if err != nil {
			l.mu.Unlock()
			return Recognition{}, fmt.Errorf("initialize recognizer: %w", err)
		}
		l.r = r
	}
	r := l.r
	l.mu.Unlock()
	return r.Recognize(ctx, frame, box)
}
