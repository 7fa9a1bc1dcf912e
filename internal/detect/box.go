// Package detect holds the per-frame detection model shared by the tracker,
// the verifier and the output sinks.
package detect

import (
	"errors"
	"math"
)

// NumKeypoints is the number of facial landmarks carried per box: left eye
// then right eye.
const NumKeypoints = 2

// Keypoint is a landmark in normalized [0,1] frame coordinates.
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is a detected face in normalized coordinates. Prob starts as
// the detector confidence; the verifier overwrites it with the face
// similarity before the box is displayed.
type BoundingBox struct {
	XCenter   float64                `json:"x_center"`
	YCenter   float64                `json:"y_center"`
	Width     float64                `json:"width"`
	Height    float64                `json:"height"`
	Prob      float64                `json:"prob"`
	Keypoints [NumKeypoints]Keypoint `json:"keypoints"`
}

// Valid reports whether the box has positive area.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// Corners returns the box as (x1, y1, x2, y2).
func (b BoundingBox) Corners() (x1, y1, x2, y2 float64) {
	return b.XCenter - b.Width/2, b.YCenter - b.Height/2,
		b.XCenter + b.Width/2, b.YCenter + b.Height/2
}

// Area returns width*height, or 0 for a degenerate box.
func (b BoundingBox) Area() float64 {
	if !b.Valid() {
		return 0
	}
	return b.Width * b.Height
}

// IoU returns the intersection-over-union of two boxes in [0,1]. It is
// symmetric and returns 0 when either box has non-positive area or the
// boxes do not overlap.
func IoU(a, b BoundingBox) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}
	ax1, ay1, ax2, ay2 := a.Corners()
	bx1, by1, bx2, by2 := b.Corners()

	iw := math.Min(ax2, bx2) - math.Max(ax1, bx1)
	ih := math.Min(ay2, by2) - math.Max(ay1, by1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	if iou > 1 {
		return 1
	}
	return iou
}

// Smooth blends next into prev with weight alpha on the new observation:
// prev*(1-alpha) + next*alpha, applied to centre, size and every keypoint.
// Prob is taken from next.
func Smooth(prev, next BoundingBox, alpha float64) BoundingBox {
	lerp := func(a, b float64) float64 { return a*(1-alpha) + b*alpha }
	out := BoundingBox{
		XCenter: lerp(prev.XCenter, next.XCenter),
		YCenter: lerp(prev.YCenter, next.YCenter),
		Width:   lerp(prev.Width, next.Width),
		Height:  lerp(prev.Height, next.Height),
		Prob:    next.Prob,
	}
	for i := range out.Keypoints {
		out.Keypoints[i] = Keypoint{
			X: lerp(prev.Keypoints[i].X, next.Keypoints[i].X),
			Y: lerp(prev.Keypoints[i].Y, next.Keypoints[i].Y),
		}
	}
	return out
}

// CentroidDistance returns the Euclidean distance between box centres.
func CentroidDistance(a, b BoundingBox) float64 {
	return math.Hypot(a.XCenter-b.XCenter, a.YCenter-b.YCenter)
}

// ErrBoxListFull is returned by Append when the list is at capacity.
var ErrBoxListFull = errors.New("detect: box list full")

// DefaultMaxBoxes is the per-frame box capacity.
const DefaultMaxBoxes = 10

// BoxList is a fixed-capacity list of the boxes found in one frame. The
// backing array is allocated once and reused across frames.
type BoxList struct {
	boxes []BoundingBox
	n     int
}

// NewBoxList returns an empty list with room for capacity boxes.
func NewBoxList(capacity int) *BoxList {
	if capacity <= 0 {
		capacity = DefaultMaxBoxes
	}
	return &BoxList{boxes: make([]BoundingBox, capacity)}
}

// Len returns the number of stored boxes.
func (l *BoxList) Len() int { return l.n }

// Cap returns the list capacity.
func (l *BoxList) Cap() int { return len(l.boxes) }

// Full reports whether another Append would fail.
func (l *BoxList) Full() bool { return l.n >= len(l.boxes) }

// At returns the i-th box. It panics if i is out of range, like a slice index.
func (l *BoxList) At(i int) BoundingBox {
	if i < 0 || i >= l.n {
		panic("detect: box index out of range")
	}
	return l.boxes[i]
}

// Set replaces the i-th box.
func (l *BoxList) Set(i int, b BoundingBox) {
	if i < 0 || i >= l.n {
		panic("detect: box index out of range")
	}
	l.boxes[i] = b
}

// Append adds b, or returns ErrBoxListFull leaving the list unchanged.
func (l *BoxList) Append(b BoundingBox) error {
	if l.Full() {
		return ErrBoxListFull
	}
	l.boxes[l.n] = b
	l.n++
	return nil
}

// Reset empties the list without releasing its storage.
func (l *BoxList) Reset() { l.n = 0 }

// Boxes returns a view of the stored boxes. The slice aliases the list and is
// only valid until the next mutation.
func (l *BoxList) Boxes() []BoundingBox { return l.boxes[:l.n] }

// Best returns the index of the highest-confidence box, or -1 when empty.
// Ties keep the earliest box.
func (l *BoxList) Best() int {
	best := -1
	for i := 0; i < l.n; i++ {
		if best < 0 || l.boxes[i].Prob > l.boxes[best].Prob {
			best = i
		}
	}
	return best
}
