package pipeline

import (
	"context"
	"time"

	"github.com/banshee-data/faceverify/internal/timeutil"
)

// ButtonAction is what a button release asks for.
type ButtonAction int

const (
	ButtonNone   ButtonAction = iota
	ButtonEnroll              // short press: add the current embedding
	ButtonReset               // long press: clear the bank
)

func (a ButtonAction) String() string {
	switch a {
	case ButtonEnroll:
		return "enroll"
	case ButtonReset:
		return "reset"
	default:
		return "none"
	}
}

// ButtonHandler turns polled button levels into actions. An action fires on
// release; holds of at least LongPress are resets.
type ButtonHandler struct {
	LongPress time.Duration

	down      bool
	pressedAt time.Time
}

// Poll records the button level at now and returns the action of a
// release, if any.
func (h *ButtonHandler) Poll(down bool, now time.Time) ButtonAction {
	switch {
	case down && !h.down:
		h.down = true
		h.pressedAt = now
	case !down && h.down:
		h.down = false
		if now.Sub(h.pressedAt) >= h.LongPress {
			return ButtonReset
		}
		return ButtonEnroll
	}
	return ButtonNone
}

// LEDController derives the LED state. A verified face lights LEDVerified;
// once no face is in view the verified LED is held for Timeout after the
// last verified frame.
type LEDController struct {
	Timeout time.Duration

	lastVerified time.Time
	state        LEDState
}

// Update computes the LED state for a frame at now.
func (c *LEDController) Update(verified, detected bool, now time.Time) LEDState {
	switch {
	case verified:
		c.lastVerified = now
		c.state = LEDVerified
	case detected:
		c.state = LEDDetected
	case !c.lastVerified.IsZero() && now.Sub(c.lastVerified) < c.Timeout:
		c.state = LEDVerified
	default:
		c.state = LEDIdle
	}
	return c.state
}

// State returns the last computed state.
func (c *LEDController) State() LEDState {
	if c.state == "" {
		return LEDIdle
	}
	return c.state
}

// FatalBlinkInterval is the toggle period of FatalBlink.
const FatalBlinkInterval = 50 * time.Millisecond

// FatalBlink signals an unrecoverable fault by blinking the detected LED
// until ctx ends. Binaries call it before exiting on initialization errors.
func FatalBlink(ctx context.Context, ind Indicator, clock timeutil.Clock) {
	if isNilInterface(ind) {
		return
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(FatalBlinkInterval)
	defer ticker.Stop()

	on := true
	ind.SetLED(LEDDetected)
	for {
		select {
		case <-ctx.Done():
			ind.SetLED(LEDIdle)
			return
		case <-ticker.C():
			on = !on
			if on {
				ind.SetLED(LEDDetected)
			} else {
				ind.SetLED(LEDIdle)
			}
		}
	}
}
