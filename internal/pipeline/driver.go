package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/imgproc"
	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/timeutil"
	"github.com/banshee-data/faceverify/internal/verify"
)

// ErrNoFace is returned by EnrollCurrent when no face has been recognized
// since the last empty frame.
var ErrNoFace = errors.New("pipeline: no face recognized")

// Config holds the driver's collaborators. Source, Detector, Postprocessor
// and Recognizer are required; everything else is optional.
type Config struct {
	Tuning *config.TuningConfig

	Source        capture.Source
	Detector      verify.Runner
	Postprocessor detect.Postprocessor
	Recognizer    verify.Recognizer

	// Strategy overrides the verification strategy selected by Tuning.
	// It must score against Bank.
	Strategy verify.Strategy
	Bank     *embedding.Bank

	Button    Button
	Indicator Indicator
	Sinks     []Sink
	Store     BankStore
	Events    EventRecorder

	Clock timeutil.Clock
}

// Status is a snapshot of the driver after its latest frame.
type Status struct {
	FrameSeq uint64
	Time     time.Time

	State        verify.State
	Verified     bool
	FaceDetected bool
	Similarity   float64
	Smoothed     float64
	Stable       bool
	LED          LEDState
	BankCount    int

	Target    detect.BoundingBox
	HasTarget bool

	Metrics        Metrics
	ConfigChecksum uint32
}

// Driver runs the frame loop. It owns the verification core; all of it is
// mutated under mu, once per frame.
type Driver struct {
	tuning   *config.TuningConfig
	source   capture.Source
	detector verify.Runner
	post     detect.Postprocessor
	strategy verify.Strategy
	bank     *embedding.Bank

	buttonIn  Button
	indicator Indicator
	sinks     []Sink
	store     BankStore
	events    EventRecorder
	clock     timeutil.Clock

	inputW, inputH int
	boot           time.Time
	checksum       uint32

	mu       sync.Mutex
	boxes    *detect.BoxList
	button   ButtonHandler
	led      LEDController
	metrics  Metrics
	current  []float64 // embedding of the face in view, for enrollment
	status   Status
	ledShown LEDState
}

// New validates cfg, restores the enrollment bank from the store and
// returns a driver ready to Run.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if isNilInterface(cfg.Source) {
		return nil, errors.New("pipeline: frame source is required")
	}
	if isNilInterface(cfg.Detector) {
		return nil, errors.New("pipeline: detector is required")
	}
	if isNilInterface(cfg.Postprocessor) {
		return nil, errors.New("pipeline: postprocessor is required")
	}
	if isNilInterface(cfg.Recognizer) {
		return nil, errors.New("pipeline: recognizer is required")
	}

	tuning := cfg.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	bank := cfg.Bank
	if bank == nil {
		bank = &embedding.Bank{}
	}

	if !isNilInterface(cfg.Store) {
		entries, err := cfg.Store.LoadBank(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load enrollment bank: %w", err)
		}
		if len(entries) > 0 {
			if err := bank.Restore(entries); err != nil {
				return nil, fmt.Errorf("pipeline: restore enrollment bank: %w", err)
			}
			monitoring.Opsf("pipeline: restored %d enrolled embeddings", bank.Count())
		}
	}

	strategy := cfg.Strategy
	if strategy == nil {
		var err error
		strategy, err = verify.NewStrategy(tuning, cfg.Recognizer, bank)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	w, h := tuning.GetFrameSize()
	d := &Driver{
		tuning:    tuning,
		source:    cfg.Source,
		detector:  cfg.Detector,
		post:      cfg.Postprocessor,
		strategy:  strategy,
		bank:      bank,
		buttonIn:  cfg.Button,
		indicator: cfg.Indicator,
		sinks:     cfg.Sinks,
		store:     cfg.Store,
		events:    cfg.Events,
		clock:     clock,
		inputW:    w,
		inputH:    h,
		boot:      clock.Now(),
		checksum:  tuning.Checksum(),
		boxes:     detect.NewBoxList(tuning.GetMaxBoxes()),
		button:    ButtonHandler{LongPress: tuning.GetButtonLongPress()},
		led:       LEDController{Timeout: tuning.GetLEDTimeout()},
	}
	d.status = Status{
		State:          strategy.State(),
		LED:            LEDIdle,
		BankCount:      bank.Count(),
		ConfigChecksum: d.checksum,
	}
	return d, nil
}

// Run processes frames until ctx is cancelled or the source closes. A
// closed source ends Run with a nil error.
func (d *Driver) Run(ctx context.Context) error {
	monitoring.Opsf("pipeline: running mode=%s tracker=%s config=%08x bank=%d",
		d.tuning.GetVerificationMode(), d.tuning.GetTrackerStrategy(), d.checksum, d.bank.Count())

	retry := time.Second / time.Duration(d.tuning.GetTargetFPS())
	for {
		frame, err := d.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrSourceClosed) {
				monitoring.Opsf("pipeline: frame source closed after %d frames", d.Status().Metrics.Frames)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.skip("capture", err)
			d.clock.Sleep(retry)
			continue
		}
		if _, err := d.ProcessFrame(ctx, frame); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *Driver) skip(stage string, err error) {
	d.mu.Lock()
	d.metrics.SkippedFrames++
	n := d.metrics.SkippedFrames
	d.mu.Unlock()
	monitoring.Diagf("pipeline: %s failed, frame skipped (%d skipped): %v", stage, n, err)
}

// ProcessFrame runs one frame through the pipeline and hands the result to
// every sink. On error the frame is skipped and the verification core is
// left as it was.
func (d *Driver) ProcessFrame(ctx context.Context, frame *capture.Frame) (*Output, error) {
	start := d.clock.Now()

	input, err := d.preprocess(frame)
	if err != nil {
		d.skip("preprocess", err)
		return nil, err
	}
	outputs, err := d.detector.Run(ctx, input)
	if err != nil {
		err = fmt.Errorf("detector: %w", err)
		d.skip("detection", err)
		return nil, err
	}
	inference := d.clock.Since(start)

	out, err := d.step(ctx, frame, outputs, start, inference)
	if err != nil {
		d.skip("verification", err)
		return nil, err
	}

	for _, s := range d.sinks {
		if isNilInterface(s) {
			continue
		}
		if err := s.Display(ctx, out); err != nil {
			monitoring.Diagf("pipeline: sink %T: %v", s, err)
		}
	}
	return out, nil
}

func (d *Driver) preprocess(frame *capture.Frame) ([]float32, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	img, err := imgproc.ToRGBA(frame)
	if err != nil {
		return nil, err
	}
	if frame.Width != d.inputW || frame.Height != d.inputH {
		img = imgproc.Resize(img, d.inputW, d.inputH)
	}
	return imgproc.ToCHW(img, 0, 1), nil
}

// step is the per-frame critical section.
func (d *Driver) step(ctx context.Context, frame *capture.Frame, outputs [][]float32, start time.Time, inference time.Duration) (*Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.boxes.Reset()
	if err := d.post.Process(outputs, d.boxes); err != nil {
		if !errors.Is(err, detect.ErrBoxListFull) {
			return nil, fmt.Errorf("postprocess: %w", err)
		}
		monitoring.Diagf("pipeline: frame %d: %v, keeping %d boxes", frame.Seq, err, d.boxes.Len())
	}
	detections := d.boxes.Len()
	now := d.clock.Now()

	dec, err := d.strategy.Step(ctx, frame, d.boxes, now)
	if err != nil {
		return nil, err
	}

	if dec.Recognized {
		d.metrics.Recognitions++
		d.current = dec.Embedding
		d.record(ctx, frame, dec, now)
	} else if detections == 0 {
		d.current = nil
	}

	if !isNilInterface(d.buttonIn) {
		action := d.button.Poll(d.buttonIn.Pressed(), now)
		d.handleButton(ctx, action)
		if action == ButtonReset {
			dec.State = d.strategy.State()
			dec.Verified = false
			dec.HasTarget = false
		}
	}

	led := d.led.Update(dec.Verified, detections > 0, now)
	if !isNilInterface(d.indicator) && led != d.ledShown {
		d.indicator.SetLED(led)
		d.ledShown = led
	}

	frameTime := d.clock.Since(start)
	d.metrics.observe(detections, frameTime, inference)

	d.status = Status{
		FrameSeq:       frame.Seq,
		Time:           now,
		State:          dec.State,
		Verified:       dec.Verified,
		FaceDetected:   detections > 0,
		Similarity:     dec.Display,
		Smoothed:       dec.Smoothed,
		Stable:         dec.Stable,
		LED:            led,
		BankCount:      d.bank.Count(),
		Target:         dec.Target,
		HasTarget:      dec.HasTarget,
		Metrics:        d.metrics,
		ConfigChecksum: d.checksum,
	}
	monitoring.Tracef("pipeline: frame %d state=%s boxes=%d sim=%.3f verified=%t led=%s %v",
		frame.Seq, dec.State, d.boxes.Len(), dec.Display, dec.Verified, led, frameTime)

	out := &Output{
		Frame:         frame,
		Boxes:         append([]detect.BoundingBox(nil), d.boxes.Boxes()...),
		Detections:    detections,
		InferenceTime: inference,
		FrameTime:     frameTime,
		Uptime:        now.Sub(d.boot),
		Status:        d.status,
	}
	if dec.Recognized {
		out.Embedding = dec.Embedding
		out.Aligned = dec.Aligned
	}
	return out, nil
}

func (d *Driver) record(ctx context.Context, frame *capture.Frame, dec verify.Decision, now time.Time) {
	if isNilInterface(d.events) {
		return
	}
	ev := Event{
		Time:       now,
		FrameSeq:   frame.Seq,
		State:      dec.State,
		Similarity: dec.Similarity,
		Smoothed:   dec.Smoothed,
		Verified:   dec.Verified,
		Box:        dec.Target,
	}
	if err := d.events.RecordVerification(ctx, ev); err != nil {
		monitoring.Diagf("pipeline: record verification: %v", err)
	}
}

func (d *Driver) handleButton(ctx context.Context, action ButtonAction) {
	switch action {
	case ButtonEnroll:
		if d.current == nil {
			monitoring.Opsf("pipeline: enroll ignored, no face recognized")
			return
		}
		if _, err := d.enrollLocked(ctx, d.current); err != nil {
			monitoring.Opsf("pipeline: enroll: %v", err)
		}
	case ButtonReset:
		d.resetLocked(ctx)
	}
}

func (d *Driver) enrollLocked(ctx context.Context, v []float64) (int, error) {
	n, err := d.bank.Add(v)
	if err != nil {
		return n, err
	}
	d.metrics.Enrollments++
	monitoring.Opsf("pipeline: enrolled embedding %d/%d", n, embedding.BankCapacity)
	d.persistLocked(ctx)
	return n, nil
}

func (d *Driver) resetLocked(ctx context.Context) {
	d.bank.Reset()
	d.strategy.Reset()
	d.status.BankCount = 0
	d.status.State = d.strategy.State()
	d.status.Verified = false
	monitoring.Opsf("pipeline: enrollment bank reset")
	d.persistLocked(ctx)
}

func (d *Driver) persistLocked(ctx context.Context) {
	if isNilInterface(d.store) {
		return
	}
	if err := d.store.SaveBank(ctx, d.bank.Entries()); err != nil {
		monitoring.Opsf("pipeline: save enrollment bank: %v", err)
	}
}

// Enroll adds v to the enrollment bank as a short button press would.
func (d *Driver) Enroll(ctx context.Context, v []float64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.enrollLocked(ctx, v)
	d.status.BankCount = d.bank.Count()
	return n, err
}

// EnrollCurrent enrolls the embedding of the face currently in view.
func (d *Driver) EnrollCurrent(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return d.bank.Count(), ErrNoFace
	}
	n, err := d.enrollLocked(ctx, d.current)
	d.status.BankCount = d.bank.Count()
	return n, err
}

// ResetBank clears the enrollment bank as a long button press would.
func (d *Driver) ResetBank(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked(ctx)
}

// Status returns a snapshot of the latest frame.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Metrics = d.metrics
	return s
}

// Uptime returns the time since the driver was created.
func (d *Driver) Uptime() time.Duration {
	return d.clock.Since(d.boot)
}
