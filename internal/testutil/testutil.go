// Package testutil provides shared test helpers and fixtures: loopback
// requests for the tsweb-protected debug routes, synthetic frames and
// embeddings.
package testutil

import (
	"image/color"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
)

// LoopbackAddr is a RemoteAddr that tsweb treats as a local caller.
const LoopbackAddr = "127.0.0.1:12345"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalRequest returns a request that appears to come from loopback, as
// the /debug/ routes require.
func LocalRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// SolidFrame returns a w×h RGB888 frame filled with c.
func SolidFrame(seq uint64, w, h int, c color.RGBA) *capture.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = c.R, c.G, c.B
	}
	return &capture.Frame{Seq: seq, Width: w, Height: h, Format: capture.RGB888, Data: data}
}

// FaceBox returns a normalized box with level eyes on its upper third.
func FaceBox(cx, cy, w, h, prob float64) detect.BoundingBox {
	b := detect.BoundingBox{XCenter: cx, YCenter: cy, Width: w, Height: h, Prob: prob}
	eyeY := cy - h/6
	b.Keypoints[0] = detect.Keypoint{X: cx - w/4, Y: eyeY}
	b.Keypoints[1] = detect.Keypoint{X: cx + w/4, Y: eyeY}
	return b
}

// Embedding returns a unit-norm embedding.Dim vector drawn from seed.
func Embedding(seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	v := make([]float64, embedding.Dim)
	var norm float64
	for i := range v {
		v[i] = rng.NormFloat64()
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Blend returns the unit vector (1-w)*a + w*b, which has a controllable
// similarity to a.
func Blend(a, b []float64, w float64) []float64 {
	out := make([]float64, len(a))
	var norm float64
	for i := range out {
		out[i] = (1-w)*a[i] + w*b[i]
		norm += out[i] * out[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}
