package tracking

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/monitoring"
)

// Lifecycle is the state of an EnhancedTrack.
type Lifecycle string

const (
	LifecycleFree      Lifecycle = ""          // slot unused
	LifecycleTentative Lifecycle = "tentative" // new, awaiting confirmation
	LifecycleConfirmed Lifecycle = "confirmed" // matched HitsToConfirm times
	LifecycleLost      Lifecycle = "lost"      // confirmed but currently unmatched
	LifecycleDeleted   Lifecycle = "deleted"   // retired; slot reclaimed next frame
)

const (
	// MaxTrackSlots bounds the MultiTracker's slot array.
	MaxTrackSlots = 16
	// TrackHistorySize is the length of each track's observation ring.
	TrackHistorySize = 10
)

// MultiTrackerConfig holds the Kalman tracker parameters.
type MultiTrackerConfig struct {
	MaxTracks         int     // active slots, at most MaxTrackSlots
	HitsToConfirm     int     // matches needed to leave tentative
	MaxLostFrames     int     // misses a confirmed track survives
	IoUThreshold      float64 // minimum overlap for association
	MinInitConfidence float64 // confidence needed to start a track
	ProcessNoise      float64
	MeasurementNoise  float64
}

// MultiTrackerConfigFromTuning builds a MultiTrackerConfig from a loaded TuningConfig.
func MultiTrackerConfigFromTuning(cfg *config.TuningConfig) MultiTrackerConfig {
	return MultiTrackerConfig{
		MaxTracks:         cfg.GetMaxTracks(),
		HitsToConfirm:     cfg.GetHitsToConfirm(),
		MaxLostFrames:     cfg.GetMaxLostFrames(),
		IoUThreshold:      cfg.GetIoUThreshold(),
		MinInitConfidence: cfg.GetMinInitConfidence(),
		ProcessNoise:      cfg.GetProcessNoise(),
		MeasurementNoise:  cfg.GetMeasurementNoise(),
	}
}

// Observation is one entry of a track's history.
type Observation struct {
	Box        detect.BoundingBox
	Confidence float64
	Similarity float64
	Timestamp  time.Time
}

// EnhancedTrack is one slot of the MultiTracker.
type EnhancedTrack struct {
	ID    string // stable for the track's lifetime, used in logs and streams
	Slot  int
	State Lifecycle

	Hits       int
	Misses     int
	Age        int // frames since creation
	Confidence float64
	Similarity float64
	Verified   bool

	FirstSeen    time.Time
	LastSeen     time.Time
	LastVerified time.Time

	filter  *KalmanFilter
	history [TrackHistorySize]Observation
	histIdx int
	histLen int
}

// Active reports whether the slot holds a live track.
func (t *EnhancedTrack) Active() bool {
	return t.State == LifecycleTentative || t.State == LifecycleConfirmed || t.State == LifecycleLost
}

// Box returns the filtered box with Prob set to the track's similarity when
// verified, or its last detection confidence otherwise.
func (t *EnhancedTrack) Box() detect.BoundingBox {
	if t.filter == nil {
		return detect.BoundingBox{}
	}
	b := t.filter.Box()
	if last, ok := t.Last(); ok {
		b.Keypoints = last.Box.Keypoints
	}
	b.Prob = t.Confidence
	if t.Verified {
		b.Prob = t.Similarity
	}
	return b
}

// State8 returns the Kalman mean [x, y, w, h, vx, vy, vw, vh].
func (t *EnhancedTrack) State8() [stateDim]float64 {
	if t.filter == nil {
		return [stateDim]float64{}
	}
	return t.filter.State()
}

// History returns the stored observations, oldest first.
func (t *EnhancedTrack) History() []Observation {
	out := make([]Observation, 0, t.histLen)
	start := (t.histIdx - t.histLen + TrackHistorySize) % TrackHistorySize
	for i := 0; i < t.histLen; i++ {
		out = append(out, t.history[(start+i)%TrackHistorySize])
	}
	return out
}

// Last returns the newest observation.
func (t *EnhancedTrack) Last() (Observation, bool) {
	if t.histLen == 0 {
		return Observation{}, false
	}
	return t.history[(t.histIdx-1+TrackHistorySize)%TrackHistorySize], true
}

func (t *EnhancedTrack) record(o Observation) {
	t.history[t.histIdx] = o
	t.histIdx = (t.histIdx + 1) % TrackHistorySize
	if t.histLen < TrackHistorySize {
		t.histLen++
	}
}

// MultiTracker is a Kalman multi-object tracker over a fixed slot array.
// A track's slot index is its handle for the rest of its life.
type MultiTracker struct {
	Config MultiTrackerConfig

	slots [MaxTrackSlots]EnhancedTrack
	frame int

	// Totals for diagnostics.
	Created   int
	Confirmed int
	Deleted   int
}

// NewMultiTracker returns an empty tracker.
func NewMultiTracker(cfg MultiTrackerConfig) *MultiTracker {
	if cfg.MaxTracks <= 0 || cfg.MaxTracks > MaxTrackSlots {
		cfg.MaxTracks = MaxTrackSlots
	}
	if cfg.HitsToConfirm <= 0 {
		cfg.HitsToConfirm = 1
	}
	m := &MultiTracker{Config: cfg}
	for i := range m.slots {
		m.slots[i].Slot = i
	}
	return m
}

// Reset frees every slot.
func (m *MultiTracker) Reset() {
	for i := range m.slots {
		m.slots[i] = EnhancedTrack{Slot: i}
	}
}

// Track returns the track in slot, or nil when the index is out of range.
func (m *MultiTracker) Track(slot int) *EnhancedTrack {
	if slot < 0 || slot >= m.Config.MaxTracks {
		return nil
	}
	return &m.slots[slot]
}

// ActiveTracks returns the live tracks in slot order.
func (m *MultiTracker) ActiveTracks() []*EnhancedTrack {
	var out []*EnhancedTrack
	for i := 0; i < m.Config.MaxTracks; i++ {
		if m.slots[i].Active() {
			out = append(out, &m.slots[i])
		}
	}
	return out
}

// Update processes one frame of detections.
//
// Steps: reclaim slots deleted last frame, predict every live track,
// associate detections to tracks by Hungarian assignment on 1-IoU, update
// matched tracks, age unmatched ones, then start tentative tracks from
// unmatched confident detections.
func (m *MultiTracker) Update(boxes []detect.BoundingBox, now time.Time) {
	m.frame++

	for i := 0; i < m.Config.MaxTracks; i++ {
		if m.slots[i].State == LifecycleDeleted {
			m.slots[i] = EnhancedTrack{Slot: i}
		}
	}

	var live []int
	for i := 0; i < m.Config.MaxTracks; i++ {
		t := &m.slots[i]
		if !t.Active() {
			continue
		}
		t.filter.Predict()
		t.Age++
		if !t.filter.Finite() {
			monitoring.Diagf("track %s: non-finite state after predict, deleting", t.ID)
			m.retire(t)
			continue
		}
		live = append(live, i)
	}

	assign := m.associate(boxes, live)

	matched := make([]bool, MaxTrackSlots)
	for di, li := range assign {
		if li < 0 {
			continue
		}
		t := &m.slots[live[li]]
		matched[t.Slot] = true
		m.hit(t, boxes[di], now)
	}

	for _, slot := range live {
		t := &m.slots[slot]
		if matched[slot] || !t.Active() {
			continue
		}
		m.miss(t)
	}

	for di, li := range assign {
		if li >= 0 || boxes[di].Prob < m.Config.MinInitConfidence || !boxes[di].Valid() {
			continue
		}
		if _, ok := m.Start(boxes[di], now); !ok {
			monitoring.Tracef("multi tracker: no free slot for detection %d", di)
		}
	}
}

// associate returns, per detection, the index into live of its track or -1.
func (m *MultiTracker) associate(boxes []detect.BoundingBox, live []int) []int {
	assign := make([]int, len(boxes))
	for i := range assign {
		assign[i] = -1
	}
	if len(boxes) == 0 || len(live) == 0 {
		return assign
	}
	cost := make([][]float64, len(boxes))
	for i, b := range boxes {
		cost[i] = make([]float64, len(live))
		for j, slot := range live {
			iou := detect.IoU(b, m.slots[slot].filter.Box())
			if iou < m.Config.IoUThreshold {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = 1 - iou
			}
		}
	}
	return HungarianAssign(cost)
}

func (m *MultiTracker) hit(t *EnhancedTrack, b detect.BoundingBox, now time.Time) {
	if err := t.filter.Update(b); err != nil || !t.filter.Finite() {
		monitoring.Diagf("track %s: update rejected: %v", t.ID, err)
		m.retire(t)
		return
	}
	t.Hits++
	t.Misses = 0
	t.Confidence = b.Prob
	t.LastSeen = now
	t.record(Observation{Box: b, Confidence: b.Prob, Similarity: t.Similarity, Timestamp: now})

	switch t.State {
	case LifecycleTentative:
		if t.Hits >= m.Config.HitsToConfirm {
			t.State = LifecycleConfirmed
			m.Confirmed++
		}
	case LifecycleLost:
		t.State = LifecycleConfirmed
	}
}

func (m *MultiTracker) miss(t *EnhancedTrack) {
	t.Misses++
	switch t.State {
	case LifecycleTentative:
		m.retire(t)
	case LifecycleConfirmed:
		t.State = LifecycleLost
		fallthrough
	case LifecycleLost:
		if t.Misses > m.Config.MaxLostFrames {
			m.retire(t)
		}
	}
}

func (m *MultiTracker) retire(t *EnhancedTrack) {
	t.State = LifecycleDeleted
	m.Deleted++
}

// Start begins a tentative track at b in the first free slot. It returns
// false when every slot is in use.
func (m *MultiTracker) Start(b detect.BoundingBox, now time.Time) (*EnhancedTrack, bool) {
	for i := 0; i < m.Config.MaxTracks; i++ {
		t := &m.slots[i]
		if t.Active() {
			continue
		}
		*t = EnhancedTrack{
			ID:         uuid.NewString(),
			Slot:       i,
			State:      LifecycleTentative,
			Hits:       1,
			Confidence: b.Prob,
			FirstSeen:  now,
			LastSeen:   now,
			filter:     NewKalmanFilter(b, m.Config.ProcessNoise, m.Config.MeasurementNoise),
		}
		t.record(Observation{Box: b, Confidence: b.Prob, Timestamp: now})
		m.Created++
		if t.Hits >= m.Config.HitsToConfirm {
			t.State = LifecycleConfirmed
			m.Confirmed++
		}
		return t, true
	}
	return nil, false
}

// BestMatch returns the live track overlapping b the most, or nil when none
// overlaps by at least the association threshold.
func (m *MultiTracker) BestMatch(b detect.BoundingBox) *EnhancedTrack {
	var best *EnhancedTrack
	bestIoU := m.Config.IoUThreshold
	for i := 0; i < m.Config.MaxTracks; i++ {
		t := &m.slots[i]
		if !t.Active() {
			continue
		}
		if iou := detect.IoU(b, t.filter.Box()); iou >= bestIoU {
			best, bestIoU = t, iou
		}
	}
	return best
}

// Counts returns the number of tracks in each live state.
func (m *MultiTracker) Counts() (tentative, confirmed, lost int) {
	for i := 0; i < m.Config.MaxTracks; i++ {
		switch m.slots[i].State {
		case LifecycleTentative:
			tentative++
		case LifecycleConfirmed:
			confirmed++
		case LifecycleLost:
			lost++
		}
	}
	return
}
