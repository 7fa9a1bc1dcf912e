// Package imgproc holds the pure image transforms feeding the networks:
// pixel format conversion, eye-aligned face cropping and tensor packing.
package imgproc

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/detect"
)

// ToRGBA converts a captured frame to an RGBA image.
func ToRGBA(f *capture.Frame) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	switch f.Format {
	case capture.RGB888:
		for i := 0; i < n; i++ {
			img.Pix[i*4+0] = f.Data[i*3+0]
			img.Pix[i*4+1] = f.Data[i*3+1]
			img.Pix[i*4+2] = f.Data[i*3+2]
			img.Pix[i*4+3] = 0xff
		}
	case capture.RGB565:
		for i := 0; i < n; i++ {
			v := uint16(f.Data[i*2]) | uint16(f.Data[i*2+1])<<8
			r := byte(v >> 11 & 0x1f)
			g := byte(v >> 5 & 0x3f)
			b := byte(v & 0x1f)
			img.Pix[i*4+0] = r<<3 | r>>2
			img.Pix[i*4+1] = g<<2 | g>>4
			img.Pix[i*4+2] = b<<3 | b>>2
			img.Pix[i*4+3] = 0xff
		}
	default:
		return nil, fmt.Errorf("imgproc: unsupported pixel format %s", f.Format)
	}
	return img, nil
}

// FromRGBA packs an RGBA image into an RGB888 frame.
func FromRGBA(img *image.RGBA) *capture.Frame {
	b := img.Bounds()
	f := &capture.Frame{Width: b.Dx(), Height: b.Dy(), Format: capture.RGB888}
	f.Data = make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			f.Data = append(f.Data, img.Pix[o], img.Pix[o+1], img.Pix[o+2])
		}
	}
	return f
}

// EyeAngle returns the roll angle in radians of the line from the left to
// the right eye, or 0 when the eyes coincide.
func EyeAngle(box detect.BoundingBox) float64 {
	l, r := box.Keypoints[0], box.Keypoints[1]
	dx, dy := r.X-l.X, r.Y-l.Y
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Atan2(dy, dx)
}

// AlignFace crops box (in pixel coordinates) out of src, rotating around
// the box centre so the eyes are level, and resamples it to w×h. Pixels
// outside src are black.
func AlignFace(src image.Image, box detect.BoundingBox, w, h int) (*image.RGBA, error) {
	if !box.Valid() {
		return nil, fmt.Errorf("imgproc: degenerate face box %.1fx%.1f", box.Width, box.Height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	theta := EyeAngle(box)
	s := math.Min(float64(w)/box.Width, float64(h)/box.Height)
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx, cy := box.XCenter, box.YCenter

	// Source to destination: translate to the box centre, undo the roll,
	// scale, then move to the destination centre.
	s2d := f64.Aff3{
		s * cos, s * sin, -s*(cos*cx+sin*cy) + float64(w)/2,
		-s * sin, s * cos, -s*(-sin*cx+cos*cy) + float64(h)/2,
	}
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Over, nil)
	return dst, nil
}

// ToCHW packs img into a planar float tensor normalized as (v-mean)/std.
func ToCHW(img *image.RGBA, mean, std float32) []float32 {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	out := make([]float32, 3*plane)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out[c*plane+i] = (float32(img.Pix[o+c]) - mean) / std
			}
			i++
		}
	}
	return out
}

// Resize scales img to w×h with bilinear filtering.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
