// Command similarity-report renders the verification event log as an
// interactive HTML timeline plus PNG timeline and histogram plots. Events
// come from the SQLite database or from a running faceverify over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/db"
	"github.com/banshee-data/faceverify/internal/httputil"
	"github.com/banshee-data/faceverify/internal/report"
)

// Config holds the report options.
type Config struct {
	DBPath    string
	URL       string
	OutputDir string
	Since     time.Duration
	Limit     int
	Threshold float64
	Bins      int
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.DBPath, "db", "faceverify.db", "SQLite database to read")
	flag.StringVar(&cfg.URL, "url", "", "Base URL of a running faceverify (overrides -db), e.g. http://localhost:8080")
	flag.StringVar(&cfg.OutputDir, "out", ".", "Output directory")
	flag.DurationVar(&cfg.Since, "since", 0, "Only include events from the last duration; 0 includes all")
	flag.IntVar(&cfg.Limit, "limit", 0, "Maximum number of events; 0 is unlimited (500 over HTTP)")
	flag.Float64Var(&cfg.Threshold, "threshold", config.DefaultTuningConfig().GetSimilarityThreshold(), "Acceptance threshold drawn on the charts")
	flag.IntVar(&cfg.Bins, "bins", 20, "Histogram bins")
	flag.Parse()

	files, err := generate(context.Background(), cfg, httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second}))
	if err != nil {
		log.Fatalf("similarity-report: %v", err)
	}
	for _, f := range files {
		fmt.Println(f)
	}
}

func loadEvents(ctx context.Context, cfg Config, client httputil.HTTPClient) ([]db.VerificationEvent, error) {
	if cfg.URL != "" {
		q := url.Values{}
		if cfg.Since > 0 {
			q.Set("since", cfg.Since.String())
		}
		if cfg.Limit > 0 {
			q.Set("limit", strconv.Itoa(cfg.Limit))
		}
		u := cfg.URL + "/api/events"
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		var events []db.VerificationEvent
		if err := httputil.GetJSON(ctx, client, u, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", cfg.DBPath, err)
	}
	store, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	f := db.EventFilter{Limit: cfg.Limit}
	if cfg.Since > 0 {
		f.Since = time.Now().Add(-cfg.Since)
	}
	return store.ListEvents(ctx, f)
}

// generate writes the report files and returns their paths.
func generate(ctx context.Context, cfg Config, client httputil.HTTPClient) ([]string, error) {
	events, err := loadEvents(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, report.ErrNoEvents
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	log.Printf("rendering %d events from %s to %s", len(events),
		events[0].Time.Format(time.RFC3339), events[len(events)-1].Time.Format(time.RFC3339))

	htmlPath := filepath.Join(cfg.OutputDir, "similarity.html")
	f, err := os.Create(htmlPath)
	if err != nil {
		return nil, err
	}
	err = report.Timeline(f, events, cfg.Threshold)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}

	timeline, err := report.SimilarityPlot(events, cfg.Threshold)
	if err != nil {
		return nil, err
	}
	pngPath := filepath.Join(cfg.OutputDir, "similarity.png")
	if err := report.SavePNG(pngPath, timeline); err != nil {
		return nil, fmt.Errorf("similarity plot: %w", err)
	}

	hist, err := report.HistogramPlot(events, cfg.Bins)
	if err != nil {
		return nil, err
	}
	histPath := filepath.Join(cfg.OutputDir, "histogram.png")
	if err := report.SavePNG(histPath, hist); err != nil {
		return nil, fmt.Errorf("histogram plot: %w", err)
	}
	return []string{htmlPath, pngPath, histPath}, nil
}
