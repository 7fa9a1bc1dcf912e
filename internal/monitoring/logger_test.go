package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not reach the old callback")
}

func TestLogStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("bank reset (%d entries)", 3)
	Diagf("state %s -> %s", "search", "verify")
	Tracef("frame %d boxes=%d", 42, 1)

	assert.True(t, strings.HasPrefix(ops.String(), "[faceverify] "), ops.String())
	assert.Contains(t, ops.String(), "bank reset (3 entries)")
	assert.Contains(t, diag.String(), "state search -> verify")
	assert.Contains(t, trace.String(), "frame 42 boxes=1")
	assert.NotContains(t, ops.String(), "frame 42")
}

func TestDisabledStreams(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetLogWriters(LogWriters{})
	}()

	var fallback strings.Builder
	SetLogger(func(format string, v ...interface{}) { fallback.WriteString(format) })

	var diag bytes.Buffer
	SetLogWriters(LogWriters{Diag: &diag})

	Tracef("dropped")
	Opsf("lifecycle")

	assert.Zero(t, diag.Len())
	assert.Contains(t, fallback.String(), "lifecycle", "ops falls back to Logf")
}
