// Package api is the HTTP control surface: live status, enrollment
// commands, the stored event log and the active tuning.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/db"
	"github.com/banshee-data/faceverify/internal/embedding"
	"github.com/banshee-data/faceverify/internal/httputil"
	"github.com/banshee-data/faceverify/internal/pipeline"
)

// Controller is the part of the pipeline driver the API drives.
type Controller interface {
	Status() pipeline.Status
	Uptime() time.Duration
	EnrollCurrent(ctx context.Context) (int, error)
	ResetBank(ctx context.Context)
}

// EventLister reads the verification event log.
type EventLister interface {
	ListEvents(ctx context.Context, f db.EventFilter) ([]db.VerificationEvent, error)
	SummarizeEvents(ctx context.Context, since time.Time) (db.EventSummary, error)
}

type Server struct {
	ctrl   Controller
	events EventLister
	tuning *config.TuningConfig
}

// NewServer returns a server. events may be nil when no database is
// configured; the event routes then answer 404.
func NewServer(ctrl Controller, events EventLister, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{ctrl: ctrl, events: events, tuning: tuning}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/enroll", s.enroll)
	mux.HandleFunc("/api/reset", s.reset)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/events/summary", s.summarizeEvents)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

// BoxResponse is a bounding box in normalized coordinates.
type BoxResponse struct {
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Prob    float64 `json:"prob"`
}

type MetricsResponse struct {
	Frames        uint64  `json:"frames"`
	Detections    uint64  `json:"detections"`
	Recognitions  uint64  `json:"recognitions"`
	Enrollments   uint64  `json:"enrollments"`
	SkippedFrames uint64  `json:"skipped_frames"`
	FPS           float64 `json:"fps"`
	FrameMS       float64 `json:"frame_ms"`
	InferenceMS   float64 `json:"inference_ms"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	FrameSeq       uint64          `json:"frame_seq"`
	Time           time.Time       `json:"time"`
	State          string          `json:"state"`
	Verified       bool            `json:"verified"`
	FaceDetected   bool            `json:"face_detected"`
	Similarity     float64         `json:"similarity"`
	Smoothed       float64         `json:"smoothed"`
	Stable         bool            `json:"stable"`
	LED            string          `json:"led"`
	BankCount      int             `json:"bank_count"`
	BankCapacity   int             `json:"bank_capacity"`
	Target         *BoxResponse    `json:"target,omitempty"`
	Metrics        MetricsResponse `json:"metrics"`
	ConfigChecksum string          `json:"config_checksum"`
	UptimeSeconds  float64         `json:"uptime_s"`
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (s *Server) statusResponse() StatusResponse {
	st := s.ctrl.Status()
	resp := StatusResponse{
		FrameSeq:     st.FrameSeq,
		Time:         st.Time,
		State:        string(st.State),
		Verified:     st.Verified,
		FaceDetected: st.FaceDetected,
		Similarity:   st.Similarity,
		Smoothed:     st.Smoothed,
		Stable:       st.Stable,
		LED:          string(st.LED),
		BankCount:    st.BankCount,
		BankCapacity: embedding.BankCapacity,
		Metrics: MetricsResponse{
			Frames:        st.Metrics.Frames,
			Detections:    st.Metrics.Detections,
			Recognitions:  st.Metrics.Recognitions,
			Enrollments:   st.Metrics.Enrollments,
			SkippedFrames: st.Metrics.SkippedFrames,
			FPS:           st.Metrics.FPS,
			FrameMS:       durationMS(st.Metrics.FrameTime),
			InferenceMS:   durationMS(st.Metrics.InferenceTime),
		},
		ConfigChecksum: fmt.Sprintf("%08x", st.ConfigChecksum),
		UptimeSeconds:  s.ctrl.Uptime().Seconds(),
	}
	if st.HasTarget {
		resp.Target = &BoxResponse{
			XCenter: st.Target.XCenter,
			YCenter: st.Target.YCenter,
			Width:   st.Target.Width,
			Height:  st.Target.Height,
			Prob:    st.Target.Prob,
		}
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.statusResponse())
}

// EnrollResponse is the body of the enrollment commands.
type EnrollResponse struct {
	BankCount int    `json:"bank_count"`
	Message   string `json:"message"`
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := s.ctrl.EnrollCurrent(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrNoFace):
		httputil.Conflict(w, "no face recognized")
		return
	case errors.Is(err, embedding.ErrBankFull):
		httputil.Conflict(w, "enrollment bank full")
		return
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("enroll failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, EnrollResponse{BankCount: n, Message: "enrolled"})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.ctrl.ResetBank(r.Context())
	httputil.WriteJSONOK(w, EnrollResponse{BankCount: 0, Message: "bank reset"})
}

func parseSince(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, errors.New("invalid 'since' duration")
	}
	return time.Now().Add(-d), nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.events == nil {
		httputil.NotFound(w, "event log disabled")
		return
	}

	var f db.EventFilter
	var err error
	if f.Since, err = parseSince(r); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	f.Limit = 500
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("verified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httputil.BadRequest(w, "invalid 'verified' parameter")
			return
		}
		f.VerifiedOnly = b
	}

	events, err := s.events.ListEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) summarizeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.events == nil {
		httputil.NotFound(w, "event log disabled")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sum, err := s.events.SummarizeEvents(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to summarize events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sum)
}

// ConfigResponse is the body of GET /api/config.
type ConfigResponse struct {
	Checksum string               `json:"checksum"`
	Tuning   *config.TuningConfig `json:"tuning"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ConfigResponse{
		Checksum: fmt.Sprintf("%08x", s.tuning.Checksum()),
		Tuning:   s.tuning,
	})
}
