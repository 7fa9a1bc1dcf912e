package testutil

import (
	"fmt"
	"image/color"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/faceverify/internal/embedding"
)

// recordingTB captures Errorf calls instead of failing the test.
type recordingTB struct {
	testing.TB
	errors []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{TB: t}
	AssertStatusCode(rec, http.StatusOK, http.StatusOK)
	assert.Empty(t, rec.errors)

	AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest)
	assert.Equal(t, []string{"status code = 200, want 400"}, rec.errors)
}

func TestLocalRequest(t *testing.T) {
	t.Parallel()

	req := LocalRequest(http.MethodGet, "/debug/events")
	assert.Equal(t, LoopbackAddr, req.RemoteAddr)
	rec := Serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), req)
	AssertStatusCode(t, rec.Code, http.StatusTeapot)
}

func TestSolidFrame(t *testing.T) {
	t.Parallel()

	f := SolidFrame(4, 3, 2, color.RGBA{R: 1, G: 2, B: 3})
	require.NoError(t, f.Validate())
	assert.Equal(t, uint64(4), f.Seq)
	assert.Equal(t, []byte{1, 2, 3}, f.Data[15:18])
}

func TestFaceBox(t *testing.T) {
	t.Parallel()

	b := FaceBox(0.5, 0.5, 0.2, 0.3, 0.9)
	assert.True(t, b.Valid())
	assert.InDelta(t, 0.45, b.Keypoints[0].X, 1e-12)
	assert.InDelta(t, 0.55, b.Keypoints[1].X, 1e-12)
	assert.InDelta(t, 0.45, b.Keypoints[0].Y, 1e-12)
	assert.Equal(t, b.Keypoints[0].Y, b.Keypoints[1].Y)
}

func TestEmbeddingFixtures(t *testing.T) {
	t.Parallel()

	a, b := Embedding(1), Embedding(2)
	require.Len(t, a, embedding.Dim)
	assert.InDelta(t, 1, embedding.CosineSimilarity(a, a), 1e-9)
	assert.Equal(t, a, Embedding(1))
	assert.Less(t, embedding.CosineSimilarity(a, b), 0.5)

	assert.Greater(t, embedding.CosineSimilarity(a, Blend(a, b, 0.1)), 0.9)
	assert.InDelta(t, 1, embedding.CosineSimilarity(b, Blend(a, b, 1)), 1e-9)
	assert.Equal(t, []float64{0, 0}, Blend([]float64{1, 0}, []float64{-1, 0}, 0.5))
}
