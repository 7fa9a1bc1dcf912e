package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/imgproc"
	"github.com/banshee-data/faceverify/internal/pipeline"
	"github.com/banshee-data/faceverify/internal/timeutil"
	"github.com/banshee-data/faceverify/internal/verify"
)

func newClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
}

func detectorInput(t *testing.T, f *capture.Frame, w, h int) []float32 {
	t.Helper()
	img, err := imgproc.ToRGBA(f)
	require.NoError(t, err)
	return imgproc.ToCHW(imgproc.Resize(img, w, h), 0, 1)
}

func decode(t *testing.T, rows [][]float32) []detect.BoundingBox {
	t.Helper()
	boxes := detect.NewBoxList(10)
	dec := &detect.RowDecoder{ConfThreshold: 0.7, NMSThreshold: 0.5}
	require.NoError(t, dec.Process(rows, boxes))
	return boxes.Boxes()
}

func TestSceneFrames(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewScene(SceneConfig{Width: 160, Height: 120, FPS: 10, Faces: 2, Frames: 3, Seed: 7}, clock)
	ctx := context.Background()

	var prev []Face
	for seq := uint64(1); seq <= 3; seq++ {
		f, err := s.NextFrame(ctx)
		require.NoError(t, err)
		require.NoError(t, f.Validate())
		assert.Equal(t, seq, f.Seq)
		assert.Equal(t, capture.RGB888, f.Format)

		faces := s.Faces()
		require.Len(t, faces, 2)
		for _, face := range faces {
			assert.GreaterOrEqual(t, face.X, 0.0)
			assert.LessOrEqual(t, face.X+face.W, 160.0)
		}
		if prev != nil {
			assert.NotEqual(t, prev[0].X, faces[0].X)
		}
		prev = faces
	}

	_, err := s.NextFrame(ctx)
	assert.ErrorIs(t, err, capture.ErrSourceClosed)

	// The first frame is immediate, later ones are paced at 100ms.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clock.Sleeps())
}

func TestSceneIsReproducible(t *testing.T) {
	t.Parallel()

	cfg := SceneConfig{Faces: 3, Seed: 42}
	a := NewScene(cfg, newClock()).Faces()
	b := NewScene(cfg, newClock()).Faces()
	assert.Equal(t, a, b)

	cfg.Faces = 99
	assert.Len(t, NewScene(cfg, newClock()).Faces(), len(Palette))
}

func TestSceneCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScene(SceneConfig{Faces: 1}, newClock()).NextFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSceneBlink(t *testing.T) {
	t.Parallel()

	s := NewScene(SceneConfig{Faces: 1, BlinkEvery: 2, Seed: 1}, newClock())
	det := NewDetector(128, 128)
	ctx := context.Background()

	for seq := 1; seq <= 4; seq++ {
		f, err := s.NextFrame(ctx)
		require.NoError(t, err)
		rows, err := det.Run(ctx, detectorInput(t, f, 128, 128))
		require.NoError(t, err)
		if seq%2 == 0 {
			assert.Empty(t, rows[0], "frame %d", seq)
		} else {
			assert.Len(t, rows[0], detect.RowStride, "frame %d", seq)
		}
	}
}

func TestDetectorFindsFaces(t *testing.T) {
	t.Parallel()

	s := NewScene(SceneConfig{Width: 160, Height: 120, Faces: 2, Seed: 3}, newClock())
	f, err := s.NextFrame(context.Background())
	require.NoError(t, err)

	det := NewDetector(128, 128)
	rows, err := det.Run(context.Background(), detectorInput(t, f, 128, 128))
	require.NoError(t, err)
	boxes := decode(t, rows)

	faces := s.Faces()
	for _, face := range faces {
		truth := face.Box(160, 120)
		best := 0.0
		for _, b := range boxes {
			best = max(best, detect.IoU(truth, b))
		}
		assert.Greater(t, best, 0.8, "face %v", face.Color)
	}
	for _, b := range boxes {
		assert.Greater(t, b.Prob, 0.9)
		assert.Less(t, b.Keypoints[0].X, b.Keypoints[1].X)
		assert.InDelta(t, b.Keypoints[0].Y, b.Keypoints[1].Y, 1e-6)
	}
}

func TestDetectorRejectsWrongSize(t *testing.T) {
	t.Parallel()
	_, err := NewDetector(4, 4).Run(context.Background(), make([]float32, 10))
	assert.Error(t, err)
	_, err = NewEmbedder(4, 4, 1).Run(context.Background(), make([]float32, 10))
	assert.Error(t, err)
}

func TestEmbedderSeparatesIdentities(t *testing.T) {
	t.Parallel()

	tuning := config.DefaultTuningConfig()
	rec := verify.NewFaceRecognizer(NewEmbedder(112, 112, 1), tuning)
	s := NewScene(SceneConfig{Width: 160, Height: 120, Faces: 2, Seed: 5}, newClock())
	ctx := context.Background()

	embed := func() [][]float64 {
		f, err := s.NextFrame(ctx)
		require.NoError(t, err)
		var out [][]float64
		for _, face := range s.Faces() {
			r, err := rec.Recognize(ctx, f, face.Box(160, 120))
			require.NoError(t, err)
			require.Len(t, r.Embedding, embedding.Dim)
			out = append(out, r.Embedding)
		}
		return out
	}

	first := embed()
	second := embed()
	assert.Greater(t, embedding.CosineSimilarity(first[0], second[0]), 0.99)
	assert.Greater(t, embedding.CosineSimilarity(first[1], second[1]), 0.99)
	assert.Less(t, embedding.CosineSimilarity(first[0], first[1]), 0.5)
}

func TestPipelineVerifiesEnrolledFace(t *testing.T) {
	t.Parallel()

	tuning := config.DefaultTuningConfig()
	clock := newClock()
	scene := NewScene(SceneConfig{Width: 160, Height: 120, Faces: 1, Frames: 20, Seed: 11}, clock)
	w, h := tuning.GetFrameSize()
	rw, rh := tuning.GetRecognitionSize()

	ctx := context.Background()
	d, err := pipeline.New(ctx, pipeline.Config{
		Tuning:        tuning,
		Source:        scene,
		Detector:      NewDetector(w, h),
		Postprocessor: &detect.RowDecoder{ConfThreshold: tuning.GetDetectionConfidenceThreshold(), NMSThreshold: tuning.GetNMSThreshold()},
		Recognizer:    verify.NewFaceRecognizer(NewEmbedder(rw, rh, 1), tuning),
		Clock:         clock,
	})
	require.NoError(t, err)

	f, err := scene.NextFrame(ctx)
	require.NoError(t, err)
	out, err := d.ProcessFrame(ctx, f)
	require.NoError(t, err)
	assert.False(t, out.Status.Verified)
	assert.Equal(t, 1, out.Detections)

	n, err := d.EnrollCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, d.Run(ctx))
	st := d.Status()
	assert.True(t, st.Verified)
	assert.Equal(t, verify.StateTrack, st.State)
	assert.Equal(t, uint64(20), st.Metrics.Frames)
	assert.Greater(t, st.Similarity, 0.9)
}
