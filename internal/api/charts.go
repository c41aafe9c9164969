package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/junction/internal/db"
	"github.com/banshee-data/junction/internal/httputil"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/status"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// chronological loads up to limit cycles, oldest first.
func (s *Server) chronological(w http.ResponseWriter, r *http.Request) ([]db.CycleRecord, bool) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return nil, false
	}
	if s.history == nil {
		httputil.WriteError(w, http.StatusNotFound, "cycle history is not enabled")
		return nil, false
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "%v", err)
		return nil, false
	}
	recs, err := s.history.RecentCycles(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load cycles: %v", err)
		return nil, false
	}
	slices.Reverse(recs)
	return recs, true
}

// durationsChart renders green seconds per lane per cycle as a stacked bar
// chart.
func (s *Server) durationsChart(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.chronological(w, r)
	if !ok {
		return
	}

	x := make([]string, len(recs))
	var series [lane.Count][]opts.BarData
	for i, rec := range recs {
		x[i] = strconv.FormatUint(rec.Seq, 10)
		for l := 0; l < lane.Count; l++ {
			series[l] = append(series[l], opts.BarData{Value: rec.Program.Durations[l]})
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Green time", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Green seconds per cycle", Subtitle: fmt.Sprintf("cycles=%d", len(recs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	bar.SetXAxis(x)
	for l := 0; l < lane.Count; l++ {
		bar.AddSeries(lane.ID(l).Label(), series[l], charts.WithBarChartOpts(opts.BarChart{Stack: "green"}))
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "render error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// occupancyPlot renders fused occupancy per lane over recent cycles as a
// PNG line plot.
func (s *Server) occupancyPlot(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.chronological(w, r)
	if !ok {
		return
	}

	p := plot.New()
	p.Title.Text = "Occupancy per lane"
	p.X.Label.Text = "cycle"
	p.Y.Label.Text = "vehicles"
	p.Add(plotter.NewGrid())

	for l := 0; l < lane.Count; l++ {
		pts := make(plotter.XYs, 0, len(recs))
		for _, rec := range recs {
			pts = append(pts, plotter.XY{X: float64(rec.Seq), Y: float64(rec.Occupancy[l])})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "plot error: %v", err)
			return
		}
		line.Color = plotutil.Color(l)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(lane.ID(l).Label(), line)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "plot error: %v", err)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "plot error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func writeEvent(w io.Writer, snap status.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b)
	return err
}
