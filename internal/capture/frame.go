// Package capture delivers camera frames to the pipeline driver.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PixelFormat is the layout of Frame.Data.
type PixelFormat uint8

const (
	RGB888 PixelFormat = iota // 3 bytes per pixel, R G B
	RGB565                    // 2 bytes per pixel, little endian
)

// BytesPerPixel returns the pixel size of f.
func (f PixelFormat) BytesPerPixel() int {
	if f == RGB565 {
		return 2
	}
	return 3
}

func (f PixelFormat) String() string {
	switch f {
	case RGB888:
		return "rgb888"
	case RGB565:
		return "rgb565"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(f))
	}
}

// Frame is one captured image. Data must not be modified once the frame
// has been published to a Source.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
	Timestamp time.Time
}

// Validate checks that Data matches the declared geometry.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("capture: invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * f.Format.BytesPerPixel(); len(f.Data) != want {
		return fmt.Errorf("capture: frame data is %d bytes, want %d for %dx%d %s",
			len(f.Data), want, f.Width, f.Height, f.Format)
	}
	return nil
}

// ErrSourceClosed is returned by NextFrame once a source has no more frames.
var ErrSourceClosed = errors.New("capture: source closed")

// Source yields frames one at a time. NextFrame blocks until a frame is
// ready, the source is exhausted (ErrSourceClosed) or ctx is done.
type Source interface {
	NextFrame(ctx context.Context) (*Frame, error)
}
