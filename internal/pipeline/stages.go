package pipeline

import (
	"context"
	"image"
	"reflect"
	"time"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/verify"
)

// Sink receives the result of every processed frame: the display, the
// serial stream and the status service are sinks.
type Sink interface {
	Display(ctx context.Context, out *Output) error
}

// Button is the enrollment button. Pressed is polled once per frame.
type Button interface {
	Pressed() bool
}

// LEDState is what the status LEDs show.
type LEDState string

const (
	LEDIdle     LEDState = "idle"
	LEDDetected LEDState = "detected" // face in view, not verified
	LEDVerified LEDState = "verified"
)

// Indicator drives the status LEDs.
type Indicator interface {
	SetLED(state LEDState)
}

// BankStore persists the enrollment bank across restarts.
type BankStore interface {
	LoadBank(ctx context.Context) ([][]float64, error)
	SaveBank(ctx context.Context, entries [][]float64) error
}

// Event is one recognition outcome.
type Event struct {
	Time       time.Time
	FrameSeq   uint64
	State      verify.State
	Similarity float64
	Smoothed   float64
	Verified   bool
	Box        detect.BoundingBox
}

// EventRecorder stores recognition outcomes for later analysis.
type EventRecorder interface {
	RecordVerification(ctx context.Context, ev Event) error
}

// Output is everything a Sink needs to present one frame.
type Output struct {
	Frame *capture.Frame

	// Boxes holds the detections followed by any tracked box the
	// verification strategy appended. Prob carries a similarity for boxes
	// that were recognized or tracked.
	Boxes      []detect.BoundingBox
	Detections int

	InferenceTime time.Duration
	FrameTime     time.Duration
	Uptime        time.Duration

	Status Status

	// Embedding and Aligned are set on frames where recognition ran.
	Embedding []float64
	Aligned   *image.RGBA
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
