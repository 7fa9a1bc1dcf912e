package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/faceverify/internal/timeutil"
)

func TestButtonHandler(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(100, 0)
	tests := []struct {
		name   string
		levels []bool
		step   time.Duration
		want   ButtonAction
	}{
		{"never pressed", []bool{false, false, false}, 100 * time.Millisecond, ButtonNone},
		{"held, not released", []bool{true, true, true}, time.Second, ButtonNone},
		{"short press", []bool{true, true, false}, 200 * time.Millisecond, ButtonEnroll},
		{"long press", []bool{true, true, false}, 500 * time.Millisecond, ButtonReset},
		{"exactly long", []bool{true, false}, time.Second, ButtonReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := ButtonHandler{LongPress: time.Second}
			got := ButtonNone
			for i, down := range tt.levels {
				if a := h.Poll(down, t0.Add(time.Duration(i)*tt.step)); a != ButtonNone {
					got = a
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLEDControllerHoldsVerified(t *testing.T) {
	t.Parallel()

	c := LEDController{Timeout: time.Second}
	t0 := time.Unix(0, 0)

	assert.Equal(t, LEDIdle, c.State())
	assert.Equal(t, LEDIdle, c.Update(false, false, t0))
	assert.Equal(t, LEDDetected, c.Update(false, true, t0))
	assert.Equal(t, LEDVerified, c.Update(true, true, t0))

	// Face lost: verified is held until the timeout.
	assert.Equal(t, LEDVerified, c.Update(false, false, t0.Add(500*time.Millisecond)))
	assert.Equal(t, LEDVerified, c.Update(false, false, t0.Add(999*time.Millisecond)))
	assert.Equal(t, LEDIdle, c.Update(false, false, t0.Add(time.Second)))

	// A detected but unverified face is shown at once.
	c.Update(true, true, t0.Add(2*time.Second))
	assert.Equal(t, LEDDetected, c.Update(false, true, t0.Add(2100*time.Millisecond)))
}

type recordingIndicator struct {
	mu     sync.Mutex
	states []LEDState
}

func (r *recordingIndicator) SetLED(s LEDState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingIndicator) seen() []LEDState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LEDState(nil), r.states...)
}

func TestFatalBlink(t *testing.T) {
	t.Parallel()

	ind := &recordingIndicator{}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	FatalBlink(ctx, ind, timeutil.RealClock{})

	states := ind.seen()
	assert.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, LEDDetected, states[0])
	assert.Equal(t, LEDIdle, states[len(states)-1], "indicator is left off")
	assert.Contains(t, states[1:], LEDDetected, "blink turns back on")
}

func TestFatalBlinkNilIndicator(t *testing.T) {
	t.Parallel()

	var ind *recordingIndicator
	FatalBlink(context.Background(), ind, nil)
}

func TestMetricsObserve(t *testing.T) {
	t.Parallel()

	var m Metrics
	m.observe(2, 100*time.Millisecond, 40*time.Millisecond)
	assert.Equal(t, uint64(1), m.Frames)
	assert.Equal(t, uint64(2), m.Detections)
	assert.InDelta(t, 10, m.FPS, 1e-9)

	m.observe(1, 50*time.Millisecond, 20*time.Millisecond)
	assert.InDelta(t, 11, m.FPS, 1e-9)
	assert.Equal(t, 20*time.Millisecond, m.InferenceTime)

	m.observe(0, 0, 0)
	assert.Equal(t, uint64(3), m.Frames)
	assert.InDelta(t, 11, m.FPS, 1e-9, "zero frame time leaves the average")
}
