package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/timeutil"
	"github.com/banshee-data/faceverify/internal/verify"
)

// ----- fakes -----

type sliceSource struct {
	frames []*capture.Frame
}

func (s *sliceSource) NextFrame(ctx context.Context) (*capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		return nil, capture.ErrSourceClosed
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func blankFrames(n int) []*capture.Frame {
	out := make([]*capture.Frame, n)
	for i := range out {
		out[i] = &capture.Frame{Seq: uint64(i + 1), Width: 128, Height: 128, Format: capture.RGB888, Data: make([]byte, 128*128*3)}
	}
	return out
}

// rowDetector emits its rows in the RowDecoder layout regardless of input.
type rowDetector struct {
	rows []float32
	err  error
	runs int
}

func (d *rowDetector) Run(_ context.Context, input []float32) ([][]float32, error) {
	d.runs++
	if d.err != nil {
		return nil, d.err
	}
	if len(input) != 3*128*128 {
		return nil, errors.New("unexpected input size")
	}
	return [][]float32{d.rows}, nil
}

func faceRow(cx, cy, w, h, conf float32) []float32 {
	return []float32{cx, cy, w, h, conf, cx - w/4, cy - h/6, cx + w/4, cy - h/6}
}

type fixedRecognizer struct {
	emb []float64
}

func (r *fixedRecognizer) Recognize(context.Context, *capture.Frame, detect.BoundingBox) (verify.Recognition, error) {
	return verify.Recognition{Embedding: append([]float64(nil), r.emb...)}, nil
}

// flakyRecognizer succeeds ok times, then fails every call.
type flakyRecognizer struct {
	emb []float64
	ok  int
}

func (r *flakyRecognizer) Recognize(context.Context, *capture.Frame, detect.BoundingBox) (verify.Recognition, error) {
	if r.ok <= 0 {
		return verify.Recognition{}, errors.New("crop failed")
	}
	r.ok--
	return verify.Recognition{Embedding: append([]float64(nil), r.emb...)}, nil
}

// steppedSource advances clock by step before every frame.
type steppedSource struct {
	sliceSource
	clock *timeutil.MockClock
	step  time.Duration
}

func (s *steppedSource) NextFrame(ctx context.Context) (*capture.Frame, error) {
	s.clock.Advance(s.step)
	return s.sliceSource.NextFrame(ctx)
}

type recordingSink struct {
	outs []*Output
	err  error
}

func (s *recordingSink) Display(_ context.Context, out *Output) error {
	s.outs = append(s.outs, out)
	return s.err
}

type memoryStore struct {
	mu      sync.Mutex
	entries [][]float64
	saves   int
}

func (m *memoryStore) LoadBank(context.Context) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, nil
}

func (m *memoryStore) SaveBank(_ context.Context, entries [][]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.saves++
	return nil
}

type eventLog struct{ events []Event }

func (l *eventLog) RecordVerification(_ context.Context, ev Event) error {
	l.events = append(l.events, ev)
	return nil
}

type scriptedButton struct {
	levels []bool
	n      int
}

func (b *scriptedButton) Pressed() bool {
	if b.n >= len(b.levels) {
		return false
	}
	v := b.levels[b.n]
	b.n++
	return v
}

// unit returns e_i.
func unit(i int) []float64 {
	v := make([]float64, embedding.Dim)
	v[i] = 1
	return v
}

// probe returns a vector whose cosine similarity with e_0 is sim.
func probe(sim float64) []float64 {
	v := make([]float64, embedding.Dim)
	v[0] = sim
	v[1] = math.Sqrt(1 - sim*sim)
	return v
}

func tuningWithThreshold(th float64) *config.TuningConfig {
	return &config.TuningConfig{SimilarityThreshold: &th}
}

func newDriver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	if cfg.Postprocessor == nil {
		cfg.Postprocessor = &detect.RowDecoder{ConfThreshold: 0.7, NMSThreshold: 0.5}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMockClock(time.Unix(1000, 0))
	}
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return d
}

// ----- tests -----

func TestEndToEndThreeFrames(t *testing.T) {
	t.Parallel()

	bank := &embedding.Bank{}
	_, err := bank.Add(unit(0))
	require.NoError(t, err)

	ind := &recordingIndicator{}
	sink := &recordingSink{}
	events := &eventLog{}
	d := newDriver(t, Config{
		Tuning:     tuningWithThreshold(0.5),
		Source:     &sliceSource{frames: blankFrames(3)},
		Detector:   &rowDetector{rows: faceRow(0.5, 0.5, 0.3, 0.3, 0.95)},
		Recognizer: &fixedRecognizer{emb: probe(0.95)},
		Bank:       bank,
		Indicator:  ind,
		Sinks:      []Sink{sink},
		Events:     events,
	})

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, sink.outs, 3)

	first := sink.outs[0]
	assert.Equal(t, verify.StateTrack, first.Status.State, "search, verify and track in frame 1")
	assert.True(t, first.Status.Verified)
	assert.InDelta(t, 0.95, first.Status.Similarity, 1e-9)
	assert.Len(t, first.Embedding, embedding.Dim)

	want := detect.BoundingBox{XCenter: 0.5, YCenter: 0.5, Width: 0.3, Height: 0.3, Prob: 0.95}
	approx := cmp.Options{
		cmpopts.EquateApprox(0, 1e-6),
		cmpopts.IgnoreFields(detect.BoundingBox{}, "Keypoints"),
	}
	for i, out := range sink.outs[1:] {
		assert.Equal(t, verify.StateTrack, out.Status.State, "frame %d", i+2)
		assert.True(t, out.Status.Verified)
		assert.Equal(t, LEDVerified, out.Status.LED)
		require.Len(t, out.Boxes, 2, "detection plus tracked box")
		if diff := cmp.Diff(want, out.Boxes[1], approx); diff != "" {
			t.Errorf("frame %d tracked box mismatch (-want +got):\n%s", i+2, diff)
		}
		assert.Nil(t, out.Embedding, "no recognition between re-verifications")
	}

	assert.Equal(t, []LEDState{LEDVerified}, ind.seen())
	require.Len(t, events.events, 1)
	assert.True(t, events.events[0].Verified)

	st := d.Status()
	assert.Equal(t, uint64(3), st.Metrics.Frames)
	assert.Equal(t, uint64(3), st.Metrics.Detections)
	assert.Equal(t, uint64(1), st.Metrics.Recognitions)
	assert.Equal(t, uint64(3), st.FrameSeq)
	assert.Equal(t, 1, st.BankCount)
	assert.True(t, st.HasTarget)
	assert.Equal(t, tuningWithThreshold(0.5).Checksum(), st.ConfigChecksum)
}

func TestRecognitionFailureDropsTrack(t *testing.T) {
	t.Parallel()

	bank := &embedding.Bank{}
	_, err := bank.Add(unit(0))
	require.NoError(t, err)

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sink := &recordingSink{}
	d := newDriver(t, Config{
		Tuning:     tuningWithThreshold(0.5),
		Source:     &steppedSource{sliceSource: sliceSource{frames: blankFrames(6)}, clock: clock, step: 600 * time.Millisecond},
		Detector:   &rowDetector{rows: faceRow(0.5, 0.5, 0.3, 0.3, 0.95)},
		Recognizer: &flakyRecognizer{emb: probe(0.95), ok: 1},
		Bank:       bank,
		Sinks:      []Sink{sink},
		Clock:      clock,
	})

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, sink.outs, 6, "every frame reaches the sinks")
	assert.True(t, sink.outs[1].Status.Verified, "held until the re-verify interval")
	assert.Equal(t, verify.StateSearch, sink.outs[2].Status.State, "failed re-verification drops the track")
	for i, out := range sink.outs[2:] {
		assert.False(t, out.Status.Verified, "frame %d", i+3)
	}
	assert.Equal(t, LEDDetected, sink.outs[5].Status.LED)

	st := d.Status()
	assert.Equal(t, uint64(6), st.FrameSeq)
	assert.Equal(t, uint64(0), st.Metrics.SkippedFrames)
	assert.False(t, st.HasTarget)
}

func TestDriverRejectsStranger(t *testing.T) {
	t.Parallel()

	bank := &embedding.Bank{}
	_, err := bank.Add(unit(0))
	require.NoError(t, err)

	ind := &recordingIndicator{}
	d := newDriver(t, Config{
		Tuning:     tuningWithThreshold(0.5),
		Source:     &sliceSource{},
		Detector:   &rowDetector{rows: faceRow(0.5, 0.5, 0.3, 0.3, 0.95)},
		Recognizer: &fixedRecognizer{emb: unit(5)},
		Bank:       bank,
		Indicator:  ind,
	})

	out, err := d.ProcessFrame(context.Background(), blankFrames(1)[0])
	require.NoError(t, err)
	assert.Equal(t, verify.StateSearch, out.Status.State)
	assert.False(t, out.Status.Verified)
	assert.True(t, out.Status.FaceDetected)
	assert.Equal(t, 0.0, out.Boxes[0].Prob, "detection shows its similarity")
	assert.Equal(t, []LEDState{LEDDetected}, ind.seen())
}

func TestProcessFrameSkipsOnDetectorError(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	det := &rowDetector{err: errors.New("npu fault")}
	d := newDriver(t, Config{
		Source:     &sliceSource{},
		Detector:   det,
		Recognizer: &fixedRecognizer{emb: unit(0)},
		Sinks:      []Sink{sink},
	})

	_, err := d.ProcessFrame(context.Background(), blankFrames(1)[0])
	require.Error(t, err)
	assert.Empty(t, sink.outs)

	st := d.Status()
	assert.Equal(t, uint64(1), st.Metrics.SkippedFrames)
	assert.Equal(t, uint64(0), st.Metrics.Frames)
	assert.Equal(t, verify.StateSearch, st.State)

	bad := &capture.Frame{Width: 128, Height: 128, Format: capture.RGB888, Data: make([]byte, 3)}
	_, err = d.ProcessFrame(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, 1, det.runs, "malformed frame never reaches the detector")
	assert.Equal(t, uint64(2), d.Status().Metrics.SkippedFrames)
}

func TestSinkErrorDoesNotStopFrame(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{err: errors.New("uart gone")}
	ok := &recordingSink{}
	d := newDriver(t, Config{
		Source:     &sliceSource{frames: blankFrames(2)},
		Detector:   &rowDetector{},
		Recognizer: &fixedRecognizer{emb: unit(0)},
		Sinks:      []Sink{failing, nil, ok},
	})
	require.NoError(t, d.Run(context.Background()))
	assert.Len(t, failing.outs, 2)
	assert.Len(t, ok.outs, 2)
	assert.Equal(t, LEDIdle, d.Status().LED)
}

func TestButtonEnrollAndReset(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	store := &memoryStore{}
	btn := &scriptedButton{levels: []bool{false, true, false, true, false}}
	d := newDriver(t, Config{
		Tuning:     tuningWithThreshold(0.5),
		Source:     &sliceSource{},
		Detector:   &rowDetector{rows: faceRow(0.5, 0.5, 0.3, 0.3, 0.95)},
		Recognizer: &fixedRecognizer{emb: probe(0.9)},
		Button:     btn,
		Store:      store,
		Clock:      clock,
	})
	ctx := context.Background()
	frames := blankFrames(5)

	// Empty bank: every face scores 0.
	out, err := d.ProcessFrame(ctx, frames[0])
	require.NoError(t, err)
	assert.Equal(t, verify.StateSearch, out.Status.State)

	clock.Advance(100 * time.Millisecond)
	_, err = d.ProcessFrame(ctx, frames[1])
	require.NoError(t, err)

	clock.Advance(200 * time.Millisecond)
	out, err = d.ProcessFrame(ctx, frames[2])
	require.NoError(t, err)
	assert.Equal(t, 1, out.Status.BankCount, "short press enrolls the face in view")
	assert.Equal(t, 1, store.saves)
	require.Len(t, store.entries, 1)

	clock.Advance(100 * time.Millisecond)
	out, err = d.ProcessFrame(ctx, frames[3])
	require.NoError(t, err)
	assert.Equal(t, verify.StateTrack, out.Status.State, "enrolled face now verifies")
	assert.InDelta(t, 1.0, out.Status.Similarity, 1e-9)

	clock.Advance(1500 * time.Millisecond)
	out, err = d.ProcessFrame(ctx, frames[4])
	require.NoError(t, err)
	assert.Equal(t, 0, out.Status.BankCount, "long press clears the bank")
	assert.Equal(t, verify.StateSearch, out.Status.State)
	assert.False(t, out.Status.Verified)
	assert.Equal(t, 2, store.saves)
	assert.Empty(t, store.entries)

	st := d.Status()
	assert.Equal(t, uint64(1), st.Metrics.Enrollments)
}

func TestNewRestoresBank(t *testing.T) {
	t.Parallel()

	store := &memoryStore{entries: [][]float64{unit(0), unit(1)}}
	d := newDriver(t, Config{
		Source:     &sliceSource{},
		Detector:   &rowDetector{},
		Recognizer: &fixedRecognizer{emb: unit(0)},
		Store:      store,
	})
	assert.Equal(t, 2, d.Status().BankCount)

	n, err := d.Enroll(context.Background(), unit(2))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, store.entries, 3)

	_, err = d.Enroll(context.Background(), make([]float64, embedding.Dim))
	assert.ErrorIs(t, err, embedding.ErrZeroNorm)

	_, err = d.EnrollCurrent(context.Background())
	assert.ErrorIs(t, err, ErrNoFace)

	d.ResetBank(context.Background())
	assert.Equal(t, 0, d.Status().BankCount)
	assert.Empty(t, store.entries)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	full := Config{
		Source:        &sliceSource{},
		Detector:      &rowDetector{},
		Postprocessor: &detect.RowDecoder{},
		Recognizer:    &fixedRecognizer{},
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source = nil }},
		{"typed nil source", func(c *Config) { c.Source = (*sliceSource)(nil) }},
		{"no detector", func(c *Config) { c.Detector = nil }},
		{"no postprocessor", func(c *Config) { c.Postprocessor = nil }},
		{"no recognizer", func(c *Config) { c.Recognizer = nil }},
		{"invalid tuning", func(c *Config) { c.Tuning = tuningWithThreshold(2) }},
		{"bad stored bank", func(c *Config) {
			c.Store = &memoryStore{entries: [][]float64{{1, 2, 3}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := full
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(context.Background(), full)
	assert.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	mb := capture.NewMailbox()
	d := newDriver(t, Config{
		Source:     mb,
		Detector:   &rowDetector{},
		Recognizer: &fixedRecognizer{emb: unit(0)},
		Clock:      timeutil.RealClock{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	mb.Publish(blankFrames(1)[0])
	require.Eventually(t, func() bool { return d.Status().Metrics.Frames == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDetectAndVerifyMode(t *testing.T) {
	t.Parallel()

	bank := &embedding.Bank{}
	_, err := bank.Add(unit(0))
	require.NoError(t, err)

	mode := config.ModeDetectAndVerify
	th := 0.5
	d := newDriver(t, Config{
		Tuning:     &config.TuningConfig{VerificationMode: &mode, SimilarityThreshold: &th},
		Source:     &sliceSource{frames: blankFrames(3)},
		Detector:   &rowDetector{rows: faceRow(0.5, 0.5, 0.3, 0.3, 0.95)},
		Recognizer: &fixedRecognizer{emb: probe(0.9)},
		Bank:       bank,
	})
	require.NoError(t, d.Run(context.Background()))

	st := d.Status()
	assert.Equal(t, verify.StateDetectAndVerify, st.State)
	assert.True(t, st.Stable)
	assert.True(t, st.Verified)
	assert.Equal(t, uint64(3), st.Metrics.Recognitions)
}
