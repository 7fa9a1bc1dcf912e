package tracking

import (
	"fmt"
	"time"

	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
)

// BoxTracker follows a verified face between verifications.
type BoxTracker interface {
	// Lock starts following box, which has just been verified with the
	// given similarity.
	Lock(box detect.BoundingBox, similarity float64, now time.Time)

	// Update advances one frame. It reports whether the face is still
	// tracked and appends the tracked box, with Prob set to the similarity,
	// to boxes. A full box list is returned as detect.ErrBoxListFull after
	// the tracker state has been updated.
	Update(boxes *detect.BoxList, now time.Time) (bool, error)

	// Target returns the tracked box.
	Target() (detect.BoundingBox, bool)

	// SetSimilarity records a re-verification score.
	SetSimilarity(sim float64)

	// Reset drops the track.
	Reset()
}

// NewBoxTracker returns the strategy named by the tuning config.
func NewBoxTracker(cfg *config.TuningConfig) (BoxTracker, error) {
	switch cfg.GetTrackerStrategy() {
	case config.TrackerIoU:
		return &IoUStrategy{
			Tracker:       NewTracker(TrackerConfigFromTuning(cfg)),
			ConfThreshold: cfg.GetTrackConfidenceThreshold(),
		}, nil
	case config.TrackerKalman:
		return NewKalmanStrategy(MultiTrackerConfigFromTuning(cfg)), nil
	default:
		return nil, fmt.Errorf("tracking: unknown strategy %q", cfg.GetTrackerStrategy())
	}
}

// IoUStrategy adapts the geometric Tracker to BoxTracker.
type IoUStrategy struct {
	Tracker       *Tracker
	ConfThreshold float64
}

func (s *IoUStrategy) Lock(box detect.BoundingBox, similarity float64, _ time.Time) {
	s.Tracker.Lock(box, similarity)
}

func (s *IoUStrategy) Update(boxes *detect.BoxList, _ time.Time) (bool, error) {
	err := s.Tracker.Process(boxes, s.ConfThreshold)
	return s.Tracker.Tracking(), err
}

func (s *IoUStrategy) Target() (detect.BoundingBox, bool) {
	tr := s.Tracker.Track()
	return tr.Box, tr.State == StateTracking
}

func (s *IoUStrategy) SetSimilarity(sim float64) { s.Tracker.SetSimilarity(sim) }
func (s *IoUStrategy) Reset()                    { s.Tracker.Reset() }

// KalmanStrategy follows one slot of a MultiTracker. Every detection is
// tracked so the verified face can be re-acquired by identity of slot rather
// than by being the first confident box.
type KalmanStrategy struct {
	Multi *MultiTracker
	slot  int
	id    string
}

// NewKalmanStrategy returns an unlocked Kalman strategy.
func NewKalmanStrategy(cfg MultiTrackerConfig) *KalmanStrategy {
	return &KalmanStrategy{Multi: NewMultiTracker(cfg), slot: -1}
}

// Lock binds the strategy to the track best overlapping box, starting one
// if none does. The bound track is marked verified and confirmed.
func (s *KalmanStrategy) Lock(box detect.BoundingBox, similarity float64, now time.Time) {
	t := s.Multi.BestMatch(box)
	if t == nil {
		var ok bool
		if t, ok = s.Multi.Start(box, now); !ok {
			s.slot, s.id = -1, ""
			return
		}
	}
	if t.State != LifecycleConfirmed {
		t.State = LifecycleConfirmed
	}
	t.Verified = true
	t.Similarity = similarity
	t.LastVerified = now
	s.slot, s.id = t.Slot, t.ID
}

func (s *KalmanStrategy) bound() *EnhancedTrack {
	if s.slot < 0 {
		return nil
	}
	t := s.Multi.Track(s.slot)
	if t == nil || t.ID != s.id || !t.Active() {
		return nil
	}
	return t
}

func (s *KalmanStrategy) Update(boxes *detect.BoxList, now time.Time) (bool, error) {
	s.Multi.Update(boxes.Boxes(), now)
	t := s.bound()
	if t == nil {
		s.slot, s.id = -1, ""
		return false, nil
	}
	out := t.Box()
	out.Prob = t.Similarity
	return true, boxes.Append(out)
}

func (s *KalmanStrategy) Target() (detect.BoundingBox, bool) {
	t := s.bound()
	if t == nil {
		return detect.BoundingBox{}, false
	}
	return t.Box(), true
}

func (s *KalmanStrategy) SetSimilarity(sim float64) {
	if t := s.bound(); t != nil {
		t.Similarity = sim
	}
}

// Reset unbinds and clears every track.
func (s *KalmanStrategy) Reset() {
	s.Multi.Reset()
	s.slot, s.id = -1, ""
}
