package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/imgproc"
	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/timeutil"
)

// SerialSource is a capture.Source fed by JPEG frame messages arriving on a
// port, as sent by a camera module. Other message kinds are ignored.
type SerialSource struct {
	port  Port
	codec Codec
	box   *capture.Mailbox
	clock timeutil.Clock

	decoded  atomic.Uint64
	rejected atomic.Uint64
	stats    atomic.Pointer[Stats]
}

// NewSerialSource returns a source decoding codec frames from port. Call
// Monitor to start reading.
func NewSerialSource(port Port, codec Codec, clock timeutil.Clock) *SerialSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialSource{port: port, codec: codec, box: capture.NewMailbox(), clock: clock}
}

// NextFrame implements capture.Source.
func (s *SerialSource) NextFrame(ctx context.Context) (*capture.Frame, error) {
	return s.box.NextFrame(ctx)
}

// Monitor reads the port until ctx is done or the port fails. The
// mailbox is closed on return so the driver sees capture.ErrSourceClosed.
// The reader goroutine exits once the port is closed.
func (s *SerialSource) Monitor(ctx context.Context) error {
	defer s.box.Close()

	dec := NewDecoder(s.port, s.codec)
	msgs := make(chan Message)
	readErr := make(chan error, 1)

	// Decoding blocks in Read; the loop below stays responsive to ctx.
	go func() {
		defer close(msgs)
		for {
			m, err := dec.Next()
			st := dec.Stats()
			s.stats.Store(&st)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stream: read: %w", err)
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if m.Kind != KindFrame {
				continue
			}
			f, err := s.decodeFrame(m.Payload)
			if err != nil {
				s.rejected.Add(1)
				monitoring.Diagf("stream: dropping frame seq %d: %v", m.Seq, err)
				continue
			}
			s.decoded.Add(1)
			s.box.Publish(f)
		}
	}
}

func (s *SerialSource) decodeFrame(payload []byte) (*capture.Frame, error) {
	var p FramePayload
	if err := p.UnmarshalBinary(payload); err != nil {
		return nil, err
	}

	var f *capture.Frame
	switch p.Type {
	case FrameJPEG:
		img, err := jpeg.Decode(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		rgba := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		f = imgproc.FromRGBA(rgba)
	case FrameAligned:
		f = &capture.Frame{Width: p.Width, Height: p.Height, Format: capture.RGB888, Data: p.Data}
	default:
		return nil, fmt.Errorf("%w: frame type %q", ErrMalformed, p.Type)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.Timestamp = s.clock.Now()
	return f, nil
}

// SourceStats is the receive side of the link.
type SourceStats struct {
	Decoder   Stats  `json:"decoder"`
	Frames    uint64 `json:"frames"`
	Rejected  uint64 `json:"rejected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the receive counters.
func (s *SerialSource) Stats() SourceStats {
	out := SourceStats{Frames: s.decoded.Load(), Rejected: s.rejected.Load()}
	if st := s.stats.Load(); st != nil {
		out.Decoder = *st
	}
	out.Published, out.Dropped = s.box.Stats()
	return out
}
