package tracking

import (
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
)

// TrackState is the state of the geometric tracker.
type TrackState string

const (
	StateIdle     TrackState = "idle"
	StateTracking TrackState = "tracking"
)

// TrackerConfig holds the geometric tracker parameters.
type TrackerConfig struct {
	SmoothFactor  float64 // EMA weight of a new observation
	IoUThreshold  float64 // overlap needed for the fallback association
	MaxLostFrames int     // unmatched frames survived before going idle
}

// DefaultTrackerConfig returns the built-in defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.EmptyTuningConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		SmoothFactor:  cfg.GetSmoothFactor(),
		IoUThreshold:  cfg.GetIoUThreshold(),
		MaxLostFrames: cfg.GetMaxLostFrames(),
	}
}

// Track is the single followed face.
type Track struct {
	Box        detect.BoundingBox
	State      TrackState
	LostCount  int
	Similarity float64
}

// Tracker is the single-object IoU tracker.
type Tracker struct {
	Config TrackerConfig
	track  Track
}

// NewTracker returns an idle tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{Config: cfg, track: Track{State: StateIdle}}
}

// Track returns a copy of the current track.
func (t *Tracker) Track() Track { return t.track }

// Tracking reports whether the tracker currently follows a face.
func (t *Tracker) Tracking() bool { return t.track.State == StateTracking }

// Lock starts following box with the given similarity, replacing any
// current track.
func (t *Tracker) Lock(box detect.BoundingBox, similarity float64) {
	t.track = Track{Box: box, State: StateTracking, Similarity: similarity}
}

// SetSimilarity records the latest verification score of the track.
func (t *Tracker) SetSimilarity(sim float64) { t.track.Similarity = sim }

// Reset drops the track.
func (t *Tracker) Reset() { t.track = Track{State: StateIdle} }

// Process advances the tracker by one frame.
//
// The first box with Prob >= confThreshold refreshes the track (or starts it
// when idle). Otherwise a tracking tracker accepts the first box overlapping
// it by more than IoUThreshold. With no match the lost counter grows and the
// track goes idle once it exceeds MaxLostFrames.
//
// While tracking, the smoothed box is appended to boxes with Prob set to the
// track similarity so it can be drawn. A full list yields
// detect.ErrBoxListFull; the detections already in the list are kept.
func (t *Tracker) Process(boxes *detect.BoxList, confThreshold float64) error {
	matched := false
	for i := 0; i < boxes.Len(); i++ {
		b := boxes.At(i)
		if b.Prob < confThreshold {
			continue
		}
		if t.track.State == StateTracking {
			t.track.Box = detect.Smooth(t.track.Box, b, t.Config.SmoothFactor)
		} else {
			t.track.Box = b
			t.track.State = StateTracking
		}
		t.track.LostCount = 0
		matched = true
		break
	}

	if !matched && t.track.State == StateTracking {
		for i := 0; i < boxes.Len(); i++ {
			b := boxes.At(i)
			if detect.IoU(t.track.Box, b) > t.Config.IoUThreshold {
				t.track.Box = detect.Smooth(t.track.Box, b, t.Config.SmoothFactor)
				t.track.LostCount = 0
				matched = true
				break
			}
		}
	}

	if !matched && t.track.State == StateTracking {
		t.track.LostCount++
		if t.track.LostCount > t.Config.MaxLostFrames {
			t.Reset()
		}
	}

	if t.track.State != StateTracking {
		return nil
	}
	out := t.track.Box
	out.Prob = t.track.Similarity
	return boxes.Append(out)
}
