package pipeline

import "time"

// Metrics are the driver's performance counters.
type Metrics struct {
	Frames        uint64 // frames fully processed
	Detections    uint64 // detector boxes over all frames
	Recognitions  uint64
	Enrollments   uint64
	SkippedFrames uint64 // frames dropped by a transient failure

	FPS           float64
	FrameTime     time.Duration // capture to output of the last frame
	InferenceTime time.Duration // detector run of the last frame
}

// fpsAlpha weights the newest frame in the FPS average.
const fpsAlpha = 0.1

func (m *Metrics) observe(detections int, frameTime, inference time.Duration) {
	m.Frames++
	m.Detections += uint64(detections)
	m.FrameTime = frameTime
	m.InferenceTime = inference

	if frameTime <= 0 {
		return
	}
	fps := float64(time.Second) / float64(frameTime)
	if m.FPS == 0 {
		m.FPS = fps
		return
	}
	m.FPS = m.FPS*(1-fpsAlpha) + fps*fpsAlpha
}
