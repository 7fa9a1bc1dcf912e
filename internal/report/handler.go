package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gonum.org/v1/plot"

	"github.com/banshee-data/faceverify/internal/db"
	"github.com/banshee-data/faceverify/internal/httputil"
)

// EventLister is the read side of the event log.
type EventLister interface {
	ListEvents(ctx context.Context, f db.EventFilter) ([]db.VerificationEvent, error)
}

// Handler serves the charts over HTTP.
type Handler struct {
	Events    EventLister
	Threshold float64
}

// Register mounts the report pages on mux:
//
//	/report/similarity       HTML timeline
//	/report/similarity.png   timeline plot
//	/report/histogram.png    similarity distribution
//
// All accept ?since=<duration> and ?limit=<n>.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/report/similarity", h.timeline)
	mux.HandleFunc("/report/similarity.png", h.timelinePNG)
	mux.HandleFunc("/report/histogram.png", h.histogramPNG)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) ([]db.VerificationEvent, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return nil, false
	}
	var f db.EventFilter
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			httputil.BadRequest(w, "invalid 'since' duration")
			return nil, false
		}
		f.Since = time.Now().Add(-d)
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit'")
			return nil, false
		}
		f.Limit = n
	}
	events, err := h.Events.ListEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list events: %v", err))
		return nil, false
	}
	if len(events) == 0 {
		httputil.NotFound(w, ErrNoEvents.Error())
		return nil, false
	}
	return events, true
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	events, ok := h.load(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := Timeline(&buf, events, h.Threshold); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) timelinePNG(w http.ResponseWriter, r *http.Request) {
	events, ok := h.load(w, r)
	if !ok {
		return
	}
	p, err := SimilarityPlot(events, h.Threshold)
	h.writePlot(w, p, err)
}

func (h *Handler) histogramPNG(w http.ResponseWriter, r *http.Request) {
	events, ok := h.load(w, r)
	if !ok {
		return
	}
	p, err := HistogramPlot(events, 0)
	h.writePlot(w, p, err)
}

func (h *Handler) writePlot(w http.ResponseWriter, p *plot.Plot, err error) {
	if errors.Is(err, ErrNoEvents) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	var buf bytes.Buffer
	if err := WritePNG(&buf, p); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
