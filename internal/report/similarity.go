// Package report renders the verification event log as charts: an
// interactive HTML timeline and static PNG plots.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/faceverify/internal/db"
)

// ErrNoEvents is returned when there is nothing to plot.
var ErrNoEvents = errors.New("report: no verification events")

// PNG dimensions.
const (
	plotWidth  = 14 * vg.Inch
	plotHeight = 6 * vg.Inch
)

var (
	colorSimilarity = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
	colorSmoothed   = color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 0xff}
	colorThreshold  = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
)

// Timeline renders similarity, smoothed similarity and the acceptance
// threshold over time as an HTML page.
func Timeline(w io.Writer, events []db.VerificationEvent, threshold float64) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	x := make([]string, len(events))
	sim := make([]opts.LineData, len(events))
	smooth := make([]opts.LineData, len(events))
	thr := make([]opts.LineData, len(events))
	verified := 0
	for i, e := range events {
		x[i] = e.Time.Format("15:04:05.000")
		sim[i] = opts.LineData{Value: e.Similarity}
		smooth[i] = opts.LineData{Value: e.Smoothed}
		thr[i] = opts.LineData{Value: threshold}
		if e.Verified {
			verified++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Face verification", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "Similarity",
			Subtitle: fmt.Sprintf("%s to %s, %d events, %d verified",
				events[0].Time.Format(time.RFC3339), events[len(events)-1].Time.Format(time.RFC3339),
				len(events), verified),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "cosine", Min: -1, Max: 1}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("similarity", sim).
		AddSeries("smoothed", smooth, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("threshold", thr)

	page := components.NewPage()
	page.AddCharts(line)
	return page.Render(w)
}

// SimilarityPlot builds the similarity timeline as a gonum plot, with time
// in seconds since the first event.
func SimilarityPlot(events []db.VerificationEvent, threshold float64) (*plot.Plot, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	t0 := events[0].Time

	sim := make(plotter.XYs, len(events))
	smooth := make(plotter.XYs, len(events))
	var hits plotter.XYs
	for i, e := range events {
		x := e.Time.Sub(t0).Seconds()
		sim[i] = plotter.XY{X: x, Y: e.Similarity}
		smooth[i] = plotter.XY{X: x, Y: e.Smoothed}
		if e.Verified {
			hits = append(hits, plotter.XY{X: x, Y: e.Similarity})
		}
	}
	last := sim[len(sim)-1].X

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Similarity from %s", t0.Format(time.RFC3339))
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Cosine similarity"
	p.Y.Min, p.Y.Max = -1, 1
	p.Add(plotter.NewGrid())

	simLine, err := plotter.NewLine(sim)
	if err != nil {
		return nil, err
	}
	simLine.Color = colorSimilarity
	simLine.Width = vg.Points(1)

	smoothLine, err := plotter.NewLine(smooth)
	if err != nil {
		return nil, err
	}
	smoothLine.Color = colorSmoothed
	smoothLine.Width = vg.Points(1.5)

	thrLine, err := plotter.NewLine(plotter.XYs{{X: 0, Y: threshold}, {X: last, Y: threshold}})
	if err != nil {
		return nil, err
	}
	thrLine.Color = colorThreshold
	thrLine.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	p.Add(simLine, smoothLine, thrLine)
	p.Legend.Add("similarity", simLine)
	p.Legend.Add("smoothed", smoothLine)
	p.Legend.Add("threshold", thrLine)

	if len(hits) > 0 {
		sc, err := plotter.NewScatter(hits)
		if err != nil {
			return nil, err
		}
		sc.Color = colorSmoothed
		p.Add(sc)
		p.Legend.Add("verified", sc)
	}
	return p, nil
}

// HistogramPlot builds the distribution of similarities.
func HistogramPlot(events []db.VerificationEvent, bins int) (*plot.Plot, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if bins <= 0 {
		bins = 20
	}
	vals := make(plotter.Values, len(events))
	for i, e := range events {
		vals[i] = e.Similarity
	}
	h, err := plotter.NewHist(vals, bins)
	if err != nil {
		return nil, err
	}
	h.FillColor = colorSimilarity

	p := plot.New()
	p.Title.Text = "Similarity distribution"
	p.X.Label.Text = "Cosine similarity"
	p.Y.Label.Text = "Events"
	p.Add(h)
	return p, nil
}

// WritePNG encodes p as a PNG.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG writes p to path.
func SavePNG(path string, p *plot.Plot) error {
	return p.Save(plotWidth, plotHeight, path)
}
