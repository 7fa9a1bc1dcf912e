package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/db"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/pipeline"
	"github.com/banshee-data/faceverify/internal/verify"
)

type fakeController struct {
	status    pipeline.Status
	enrollN   int
	enrollErr error
	resets    int
}

func (f *fakeController) Status() pipeline.Status { return f.status }
func (f *fakeController) Uptime() time.Duration   { return 90 * time.Second }
func (f *fakeController) EnrollCurrent(context.Context) (int, error) {
	return f.enrollN, f.enrollErr
}
func (f *fakeController) ResetBank(context.Context) { f.resets++ }

type fakeEvents struct {
	events []db.VerificationEvent
	err    error
	filter db.EventFilter
	since  time.Time
}

func (f *fakeEvents) ListEvents(_ context.Context, flt db.EventFilter) ([]db.VerificationEvent, error) {
	f.filter = flt
	return f.events, f.err
}

func (f *fakeEvents) SummarizeEvents(_ context.Context, since time.Time) (db.EventSummary, error) {
	f.since = since
	return db.EventSummary{Events: len(f.events), Verified: 1, MeanSimilarity: 0.6, MaxSimilarity: 0.9}, f.err
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestShowStatus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: pipeline.Status{
		FrameSeq:       42,
		State:          verify.StateTrack,
		Verified:       true,
		FaceDetected:   true,
		Similarity:     0.82,
		LED:            pipeline.LEDVerified,
		BankCount:      3,
		HasTarget:      true,
		Target:         detect.BoundingBox{XCenter: 0.5, YCenter: 0.4, Width: 0.2, Height: 0.3, Prob: 0.82},
		Metrics:        pipeline.Metrics{Frames: 42, FPS: 14.5, InferenceTime: 25 * time.Millisecond},
		ConfigChecksum: 0xdeadbeef,
	}}
	rec := do(t, NewServer(ctrl, nil, nil), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uint64(42), resp.FrameSeq)
	assert.Equal(t, "track", resp.State)
	assert.Equal(t, "verified", resp.LED)
	assert.Equal(t, embedding.BankCapacity, resp.BankCapacity)
	assert.Equal(t, "deadbeef", resp.ConfigChecksum)
	assert.Equal(t, 25.0, resp.Metrics.InferenceMS)
	assert.Equal(t, 90.0, resp.UptimeSeconds)
	require.NotNil(t, resp.Target)
	assert.Equal(t, 0.82, resp.Target.Prob)

	ctrl.status.HasTarget = false
	rec = do(t, NewServer(ctrl, nil, nil), http.MethodGet, "/api/status")
	assert.NotContains(t, rec.Body.String(), `"target"`)

	rec = do(t, NewServer(ctrl, nil, nil), http.MethodPost, "/api/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEnrollAndReset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"enrolled", nil, http.StatusOK},
		{"no face", pipeline.ErrNoFace, http.StatusConflict},
		{"bank full", embedding.ErrBankFull, http.StatusConflict},
		{"other", errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{enrollN: 2, enrollErr: tt.err}
			rec := do(t, NewServer(ctrl, nil, nil), http.MethodPost, "/api/enroll")
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.JSONEq(t, `{"bank_count":2,"message":"enrolled"}`, rec.Body.String())
			}
		})
	}

	t.Run("get rejected", func(t *testing.T) {
		t.Parallel()
		rec := do(t, NewServer(&fakeController{}, nil, nil), http.MethodGet, "/api/enroll")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		ctrl := &fakeController{}
		s := NewServer(ctrl, nil, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/reset").Code)
		assert.Equal(t, 0, ctrl.resets)
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/reset").Code)
		assert.Equal(t, 1, ctrl.resets)
	})
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	t.Run("filters", func(t *testing.T) {
		t.Parallel()
		ev := &fakeEvents{events: []db.VerificationEvent{{ID: 1, Similarity: 0.7, Verified: true}}}
		rec := do(t, NewServer(&fakeController{}, ev, nil), http.MethodGet, "/api/events?since=10m&limit=5&verified=true")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, ev.filter.Limit)
		assert.True(t, ev.filter.VerifiedOnly)
		assert.WithinDuration(t, time.Now().Add(-10*time.Minute), ev.filter.Since, time.Minute)

		var got []db.VerificationEvent
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	})

	t.Run("default limit", func(t *testing.T) {
		t.Parallel()
		ev := &fakeEvents{events: []db.VerificationEvent{}}
		rec := do(t, NewServer(&fakeController{}, ev, nil), http.MethodGet, "/api/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 500, ev.filter.Limit)
		assert.True(t, ev.filter.Since.IsZero())
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name   string
			events EventLister
			target string
			code   int
		}{
			{"disabled", nil, "/api/events", http.StatusNotFound},
			{"bad since", &fakeEvents{}, "/api/events?since=yesterday", http.StatusBadRequest},
			{"bad limit", &fakeEvents{}, "/api/events?limit=-3", http.StatusBadRequest},
			{"bad verified", &fakeEvents{}, "/api/events?verified=maybe", http.StatusBadRequest},
			{"store error", &fakeEvents{err: errors.New("locked")}, "/api/events", http.StatusInternalServerError},
			{"summary disabled", nil, "/api/events/summary", http.StatusNotFound},
			{"summary bad since", &fakeEvents{}, "/api/events/summary?since=0s", http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				rec := do(t, NewServer(&fakeController{}, tt.events, nil), http.MethodGet, tt.target)
				assert.Equal(t, tt.code, rec.Code)
			})
		}
	})

	t.Run("summary", func(t *testing.T) {
		t.Parallel()
		ev := &fakeEvents{events: make([]db.VerificationEvent, 4)}
		rec := do(t, NewServer(&fakeController{}, ev, nil), http.MethodGet, "/api/events/summary?since=1h")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"events":4,"verified":1,"mean_similarity":0.6,"max_similarity":0.9}`, rec.Body.String())
		assert.False(t, ev.since.IsZero())
	})
}

func TestShowConfig(t *testing.T) {
	t.Parallel()

	tuning := config.DefaultTuningConfig()
	rec := do(t, NewServer(&fakeController{}, nil, tuning), http.MethodGet, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Checksum string         `json:"checksum"`
		Tuning   map[string]any `json:"tuning"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Checksum, 8)
	assert.Equal(t, tuning.GetSimilarityThreshold(), resp.Tuning["similarity_threshold"])
}
