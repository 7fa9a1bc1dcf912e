package verify

import "github.com/banshee-data/faceverify/internal/detect"

// ToPixelCoords converts a normalized box to pixel coordinates of a
// width×height frame. The centre and keypoints scale with the frame; width
// and height are additionally multiplied by padding so the crop includes
// some context around the face.
func ToPixelCoords(b detect.BoundingBox, width, height int, padding float64) detect.BoundingBox {
	w, h := float64(width), float64(height)
	out := detect.BoundingBox{
		XCenter: b.XCenter * w,
		YCenter: b.YCenter * h,
		Width:   b.Width * w * padding,
		Height:  b.Height * h * padding,
		Prob:    b.Prob,
	}
	for i, kp := range b.Keypoints {
		out.Keypoints[i] = detect.Keypoint{X: kp.X * w, Y: kp.Y * h}
	}
	return out
}
