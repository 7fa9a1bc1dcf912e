// Package verify decides, frame by frame, whether the enrolled person is in
// view.
package verify

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/stabilizer"
	"github.com/banshee-data/faceverify/internal/tracking"
)

// State is the verification state.
type State string

const (
	StateSearch          State = "search"
	StateVerify          State = "verify"
	StateTrack           State = "track"
	StateDetectAndVerify State = "detect_and_verify"
)

// Decision is the outcome of one frame.
type Decision struct {
	State State

	// Recognized is set when recognition ran this frame; Similarity and
	// Embedding then hold its result.
	Recognized bool
	Similarity float64
	Embedding  []float64
	Aligned    *image.RGBA

	// Display is the similarity to show for this frame.
	Display  float64
	Smoothed float64
	Stable   bool

	// Verified is the enrolled-person signal driving the status LED.
	Verified bool

	Target    detect.BoundingBox
	HasTarget bool
}

// Strategy runs one verification step per frame. boxes holds the frame's
// detections; a strategy may overwrite their Prob with a similarity and
// append a tracked box.
type Strategy interface {
	Step(ctx context.Context, frame *capture.Frame, boxes *detect.BoxList, now time.Time) (Decision, error)
	State() State
	Reset()
}

// NewStrategy builds the strategy selected by cfg.
func NewStrategy(cfg *config.TuningConfig, r Recognizer, m Matcher) (Strategy, error) {
	switch cfg.GetVerificationMode() {
	case config.ModeThreeState:
		tr, err := tracking.NewBoxTracker(cfg)
		if err != nil {
			return nil, err
		}
		return NewMachine(r, m, tr, stabilizer.FromTuning(cfg), cfg.GetSimilarityThreshold(), cfg.GetReverifyInterval()), nil
	case config.ModeDetectAndVerify:
		return &DetectAndVerify{
			Recognizer:    r,
			Matcher:       m,
			History:       stabilizer.FromTuning(cfg),
			ConfThreshold: cfg.GetDetectionConfidenceThreshold(),
		}, nil
	default:
		return nil, fmt.Errorf("verify: unknown mode %q", cfg.GetVerificationMode())
	}
}

// Machine is the SEARCH / VERIFY / TRACK state machine. Recognition runs
// when a candidate face is found and then once per ReverifyInterval while
// the geometric tracker follows it.
type Machine struct {
	Recognizer       Recognizer
	Matcher          Matcher
	Tracker          tracking.BoxTracker
	History          *stabilizer.History
	Threshold        float64
	ReverifyInterval time.Duration

	state        State
	candidate    detect.BoundingBox
	similarity   float64
	lastVerified time.Time
}

// NewMachine returns a machine in SEARCH.
func NewMachine(r Recognizer, m Matcher, tr tracking.BoxTracker, h *stabilizer.History, threshold float64, reverify time.Duration) *Machine {
	return &Machine{
		Recognizer:       r,
		Matcher:          m,
		Tracker:          tr,
		History:          h,
		Threshold:        threshold,
		ReverifyInterval: reverify,
		state:            StateSearch,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Similarity returns the last computed similarity.
func (m *Machine) Similarity() float64 { return m.similarity }

// LastVerified returns when the tracked face last passed verification.
func (m *Machine) LastVerified() time.Time { return m.lastVerified }

// Reset returns to SEARCH, dropping the track and similarity history.
func (m *Machine) Reset() {
	m.state = StateSearch
	m.similarity = 0
	m.candidate = detect.BoundingBox{}
	m.lastVerified = time.Time{}
	m.Tracker.Reset()
	m.History.Reset()
}

func (m *Machine) transition(to State) {
	if m.state != to {
		monitoring.Diagf("verify: %s -> %s (similarity %.3f)", m.state, to, m.similarity)
	}
	m.state = to
}

// recognize scores box against the target. A failed recognition scores 0
// so the frame still reaches the sinks and a track cannot outlive it.
func (m *Machine) recognize(ctx context.Context, frame *capture.Frame, box detect.BoundingBox, d *Decision) float64 {
	rec, err := m.Recognizer.Recognize(ctx, frame, box)
	if err != nil {
		monitoring.Diagf("verify: recognition failed in %s: %v", m.state, err)
		m.History.Push(0)
		return 0
	}
	sim := m.Matcher.Similarity(rec.Embedding)
	m.History.Push(sim)
	d.Recognized = true
	d.Similarity = sim
	d.Embedding = rec.Embedding
	d.Aligned = rec.Aligned
	return sim
}

// Step implements Strategy. A failed recognition counts as similarity 0, so
// it rejects a candidate and drops a track due for re-verification.
func (m *Machine) Step(ctx context.Context, frame *capture.Frame, boxes *detect.BoxList, now time.Time) (Decision, error) {
	var d Decision
	switch m.state {
	case StateSearch, StateVerify:
		m.search(ctx, frame, boxes, now, &d)
	case StateTrack:
		m.track(ctx, frame, boxes, now, &d)
	}

	d.State = m.state
	d.Smoothed, d.Stable = m.History.Compute()
	d.Verified = m.state == StateTrack
	d.Target, d.HasTarget = m.Tracker.Target()
	if !d.Recognized {
		d.Display = m.similarity
	}
	return d, nil
}

func (m *Machine) search(ctx context.Context, frame *capture.Frame, boxes *detect.BoxList, now time.Time, d *Decision) {
	best := boxes.Best()
	if best < 0 {
		return
	}
	m.candidate = boxes.At(best)
	m.similarity = 0
	m.transition(StateVerify)

	sim := m.recognize(ctx, frame, m.candidate, d)
	m.similarity = sim
	d.Display = sim

	shown := m.candidate
	shown.Prob = sim
	boxes.Set(best, shown)

	if sim >= m.Threshold {
		m.Tracker.Lock(m.candidate, sim, now)
		m.lastVerified = now
		m.transition(StateTrack)
		return
	}
	m.transition(StateSearch)
}

func (m *Machine) track(ctx context.Context, frame *capture.Frame, boxes *detect.BoxList, now time.Time, d *Decision) {
	before := boxes.Len()
	ok, err := m.Tracker.Update(boxes, now)
	if err != nil {
		monitoring.Diagf("verify: tracker box not shown: %v", err)
	}
	if !ok {
		m.similarity = 0
		m.Tracker.Reset()
		m.History.Reset()
		m.transition(StateSearch)
		return
	}
	if now.Sub(m.lastVerified) <= m.ReverifyInterval {
		return
	}

	target, _ := m.Tracker.Target()
	sim := m.recognize(ctx, frame, target, d)
	m.similarity = sim
	d.Display = sim
	if boxes.Len() > before {
		shown := boxes.At(before)
		shown.Prob = sim
		boxes.Set(before, shown)
	}

	if sim >= m.Threshold {
		m.Tracker.SetSimilarity(sim)
		m.lastVerified = now
		return
	}
	m.Tracker.Reset()
	m.History.Reset()
	m.transition(StateSearch)
}

// DetectAndVerify is the simplified mode: every frame the most confident
// face is recognized and the verdict comes from the similarity stabilizer.
type DetectAndVerify struct {
	Recognizer    Recognizer
	Matcher       Matcher
	History       *stabilizer.History
	ConfThreshold float64
}

// State implements Strategy.
func (v *DetectAndVerify) State() State { return StateDetectAndVerify }

// Reset clears the similarity history.
func (v *DetectAndVerify) Reset() { v.History.Reset() }

// Step implements Strategy. A face below ConfThreshold clears the history;
// a frame with no face at all leaves it alone. A failed recognition scores 0.
func (v *DetectAndVerify) Step(ctx context.Context, frame *capture.Frame, boxes *detect.BoxList, _ time.Time) (Decision, error) {
	d := Decision{State: StateDetectAndVerify}
	best := boxes.Best()
	if best < 0 {
		d.Smoothed, d.Stable = v.History.Compute()
		return d, nil
	}
	if boxes.At(best).Prob < v.ConfThreshold {
		v.History.Reset()
		return d, nil
	}

	face := boxes.At(best)
	var sim float64
	rec, err := v.Recognizer.Recognize(ctx, frame, face)
	if err != nil {
		monitoring.Diagf("verify: recognition failed: %v", err)
	} else {
		sim = v.Matcher.Similarity(rec.Embedding)
		d.Recognized = true
		d.Embedding = rec.Embedding
		d.Aligned = rec.Aligned
	}
	v.History.Push(sim)

	d.Similarity = sim
	d.Smoothed, d.Stable = v.History.Compute()
	d.Display = v.History.Display(sim)
	d.Verified = d.Stable
	d.Target, d.HasTarget = face, true

	face.Prob = d.Display
	boxes.Set(best, face)
	return d, nil
}
