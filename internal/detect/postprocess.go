package detect

import (
	"fmt"
	"sort"
)

// Postprocessor turns raw network outputs into boxes for one frame.
// Implementations append into dst, which the caller has reset.
type Postprocessor interface {
	Process(outputs [][]float32, dst *BoxList) error
}

// RowStride is the number of values per detection in the row layout decoded
// by RowDecoder: cx, cy, w, h, conf, left eye x/y, right eye x/y.
const RowStride = 9

// RowDecoder decodes a single output tensor laid out as consecutive
// RowStride-value detections, drops rows below ConfThreshold and applies
// greedy non-maximum suppression at NMSThreshold.
type RowDecoder struct {
	ConfThreshold float64
	NMSThreshold  float64

	scratch []BoundingBox
}

// Process implements Postprocessor.
func (d *RowDecoder) Process(outputs [][]float32, dst *BoxList) error {
	if len(outputs) == 0 {
		return nil
	}
	raw := outputs[0]
	if len(raw)%RowStride != 0 {
		return fmt.Errorf("detect: output length %d is not a multiple of %d", len(raw), RowStride)
	}

	d.scratch = d.scratch[:0]
	for i := 0; i+RowStride <= len(raw); i += RowStride {
		r := raw[i : i+RowStride]
		b := BoundingBox{
			XCenter: float64(r[0]),
			YCenter: float64(r[1]),
			Width:   float64(r[2]),
			Height:  float64(r[3]),
			Prob:    float64(r[4]),
			Keypoints: [NumKeypoints]Keypoint{
				{X: float64(r[5]), Y: float64(r[6])},
				{X: float64(r[7]), Y: float64(r[8])},
			},
		}
		if b.Prob < d.ConfThreshold || !b.Valid() {
			continue
		}
		d.scratch = append(d.scratch, b)
	}

	for _, b := range NMS(d.scratch, d.NMSThreshold) {
		if err := dst.Append(b); err != nil {
			return err
		}
	}
	return nil
}

// NMS performs greedy non-maximum suppression, keeping the highest
// confidence box of every cluster whose IoU exceeds threshold. The input
// slice is reordered.
func NMS(boxes []BoundingBox, threshold float64) []BoundingBox {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Prob > boxes[j].Prob })
	kept := boxes[:0]
	for _, b := range boxes {
		suppressed := false
		for _, k := range kept {
			if IoU(b, k) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, b)
		}
	}
	return kept
}
