package stream

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/faceverify/internal/detect"
)

// Frame payload types.
const (
	FrameJPEG    = "JPG\x00"
	FrameAligned = "ALN\x00"
)

// FramePayload is an image: a 4-byte type, u32 width, u32 height, data.
type FramePayload struct {
	Type   string
	Width  int
	Height int
	Data   []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f FramePayload) MarshalBinary() ([]byte, error) {
	if len(f.Type) != 4 {
		return nil, fmt.Errorf("%w: frame type %q", ErrMalformed, f.Type)
	}
	out := make([]byte, 0, 12+len(f.Data))
	out = append(out, f.Type...)
	out = binary.LittleEndian.AppendUint32(out, uint32(f.Width))
	out = binary.LittleEndian.AppendUint32(out, uint32(f.Height))
	return append(out, f.Data...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *FramePayload) UnmarshalBinary(p []byte) error {
	if len(p) < 12 {
		return fmt.Errorf("%w: frame payload is %d bytes", ErrMalformed, len(p))
	}
	f.Type = string(p[0:4])
	f.Width = int(binary.LittleEndian.Uint32(p[4:8]))
	f.Height = int(binary.LittleEndian.Uint32(p[8:12]))
	f.Data = append([]byte(nil), p[12:]...)
	return nil
}

// DetectionsPayload lists the boxes of one frame:
// u32 frame_id, u32 count, then per box u32 class, f32 x, y, w, h, conf,
// u32 keypoint count and two f32 per keypoint.
type DetectionsPayload struct {
	FrameID uint32
	Boxes   []detect.BoundingBox
}

const faceClass = 0

// MarshalBinary implements encoding.BinaryMarshaler.
func (d DetectionsPayload) MarshalBinary() ([]byte, error) {
	const perBox = 4*7 + detect.NumKeypoints*8
	out := make([]byte, 0, 8+len(d.Boxes)*perBox)
	out = binary.LittleEndian.AppendUint32(out, d.FrameID)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(d.Boxes)))
	for _, b := range d.Boxes {
		out = binary.LittleEndian.AppendUint32(out, faceClass)
		for _, v := range []float64{b.XCenter, b.YCenter, b.Width, b.Height, b.Prob} {
			out = appendFloat32(out, v)
		}
		out = binary.LittleEndian.AppendUint32(out, detect.NumKeypoints)
		for _, kp := range b.Keypoints {
			out = appendFloat32(out, kp.X)
			out = appendFloat32(out, kp.Y)
		}
	}
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Keypoints beyond
// detect.NumKeypoints are skipped.
func (d *DetectionsPayload) UnmarshalBinary(p []byte) error {
	r := reader{p: p}
	d.FrameID = r.u32()
	n := r.u32()
	if r.err != nil {
		return r.err
	}
	// A box takes at least 28 bytes; reject counts the payload cannot hold.
	if uint64(n)*28 > uint64(len(r.p)) {
		return fmt.Errorf("%w: %d boxes in %d bytes", ErrMalformed, n, len(p))
	}
	d.Boxes = make([]detect.BoundingBox, 0, n)
	for i := uint32(0); i < n; i++ {
		r.u32() // class
		b := detect.BoundingBox{
			XCenter: r.f32(),
			YCenter: r.f32(),
			Width:   r.f32(),
			Height:  r.f32(),
			Prob:    r.f32(),
		}
		kps := r.u32()
		for k := uint32(0); k < kps && r.err == nil; k++ {
			x, y := r.f32(), r.f32()
			if k < detect.NumKeypoints {
				b.Keypoints[k] = detect.Keypoint{X: x, Y: y}
			}
		}
		if r.err != nil {
			return r.err
		}
		d.Boxes = append(d.Boxes, b)
	}
	return nil
}

// EmbeddingPayload is u32 size followed by size f32 values.
type EmbeddingPayload []float64

// MarshalBinary implements encoding.BinaryMarshaler.
func (e EmbeddingPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 4+4*len(e))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(e)))
	for _, v := range e {
		out = appendFloat32(out, v)
	}
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *EmbeddingPayload) UnmarshalBinary(p []byte) error {
	r := reader{p: p}
	n := r.u32()
	if r.err == nil && uint64(n)*4 != uint64(len(r.p)) {
		return fmt.Errorf("%w: embedding of %d values in %d bytes", ErrMalformed, n, len(r.p))
	}
	out := make(EmbeddingPayload, n)
	for i := range out {
		out[i] = r.f32()
	}
	if r.err != nil {
		return r.err
	}
	*e = out
	return nil
}

// MetricsPayload reports performance: f32 fps, u32 inference ms, f32 cpu,
// u32 memory, u32 frames, u32 detections, u32 recognitions.
type MetricsPayload struct {
	FPS          float64
	Inference    time.Duration
	CPUPercent   float64
	MemoryBytes  uint32
	Frames       uint32
	Detections   uint32
	Recognitions uint32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m MetricsPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 28)
	out = appendFloat32(out, m.FPS)
	out = binary.LittleEndian.AppendUint32(out, uint32(m.Inference.Milliseconds()))
	out = appendFloat32(out, m.CPUPercent)
	out = binary.LittleEndian.AppendUint32(out, m.MemoryBytes)
	out = binary.LittleEndian.AppendUint32(out, m.Frames)
	out = binary.LittleEndian.AppendUint32(out, m.Detections)
	out = binary.LittleEndian.AppendUint32(out, m.Recognitions)
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *MetricsPayload) UnmarshalBinary(p []byte) error {
	r := reader{p: p}
	m.FPS = r.f32()
	m.Inference = time.Duration(r.u32()) * time.Millisecond
	m.CPUPercent = r.f32()
	m.MemoryBytes = r.u32()
	m.Frames = r.u32()
	m.Detections = r.u32()
	m.Recognitions = r.u32()
	return r.err
}

// HeartbeatPayload is the sender uptime in milliseconds.
type HeartbeatPayload time.Duration

// MarshalBinary implements encoding.BinaryMarshaler.
func (h HeartbeatPayload) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(time.Duration(h).Milliseconds())), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *HeartbeatPayload) UnmarshalBinary(p []byte) error {
	r := reader{p: p}
	ms := r.u32()
	*h = HeartbeatPayload(time.Duration(ms) * time.Millisecond)
	return r.err
}

func appendFloat32(b []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(v)))
}

// reader decodes little-endian fields, latching the first short read.
type reader struct {
	p   []byte
	err error
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.p) < 4 {
		r.err = fmt.Errorf("%w: truncated payload", ErrMalformed)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.p)
	r.p = r.p[4:]
	return v
}

func (r *reader) f32() float64 {
	return float64(math.Float32frombits(r.u32()))
}
