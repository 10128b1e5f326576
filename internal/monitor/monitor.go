// Package monitor serves read-only operational views of a running engine:
// a cell-occupancy heatmap and a fused-frame scatter of the indexed
// population. Debugging surfaces, not part of the query API.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nearfield-data/proximity.live/internal/engine"
)

// echartsAssetsPrefix pins chart assets to the public go-echarts CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Monitor renders engine state snapshots over HTTP.
type Monitor struct {
	engine *engine.Engine
}

// New builds a monitor over a constructed engine.
func New(e *engine.Engine) *Monitor {
	return &Monitor{engine: e}
}

// AttachRoutes registers the monitor endpoints on mux.
func (m *Monitor) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/monitor/grid", m.handleGridHeatmap)
	mux.HandleFunc("/monitor/frame.png", m.handleFramePNG)
}

func (m *Monitor) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleGridHeatmap renders per-cell entity counts as a colored scatter
// over frame coordinates. Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (m *Monitor) handleGridHeatmap(w http.ResponseWriter, r *http.Request) {
	occ := m.engine.Occupancy()
	if len(occ) == 0 {
		m.writeJSONError(w, http.StatusNotFound, "no occupied cells")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	ids := make([]engine.CellID, 0, len(occ))
	for id := range occ {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].Less(ids[b]) })

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(ids) > maxPoints {
		stride = int(math.Ceil(float64(len(ids)) / float64(maxPoints)))
	}

	cellM := m.engine.CellSize()
	data := make([]opts.ScatterData, 0, len(ids)/stride+1)
	maxAbs := 0.0
	maxCount := 0
	entities := 0
	for _, id := range ids {
		entities += occ[id]
	}
	for i := 0; i < len(ids); i += stride {
		id := ids[i]
		x := (float64(id.X) + 0.5) * cellM
		y := (float64(id.Y) + 0.5) * cellM
		if math.Abs(x) > maxAbs {
			maxAbs = math.Abs(x)
		}
		if math.Abs(y) > maxAbs {
			maxAbs = math.Abs(y)
		}
		if occ[id] > maxCount {
			maxCount = occ[id]
		}
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, occ[id]}})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs*1.05 + cellM/2
	if pad == 0 {
		pad = 1.0
	}
	if maxCount == 0 {
		maxCount = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Proximity Grid Occupancy", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Grid Occupancy", Subtitle: fmt.Sprintf("cells=%d entities=%d cell=%gm stride=%d", len(data), entities, cellM, stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("occupancy", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		m.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleFramePNG renders the indexed population as a PNG scatter in fused
// frame coordinates, users and tags as separate series.
func (m *Monitor) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	ents := m.engine.Entities()
	if len(ents) == 0 {
		m.writeJSONError(w, http.StatusNotFound, "no entities indexed")
		return
	}

	var users, tags plotter.XYs
	maxAbs := 0.0
	for _, ent := range ents {
		pt := plotter.XY{X: ent.Position.X, Y: ent.Position.Y}
		if math.Abs(pt.X) > maxAbs {
			maxAbs = math.Abs(pt.X)
		}
		if math.Abs(pt.Y) > maxAbs {
			maxAbs = math.Abs(pt.Y)
		}
		if ent.Kind == engine.KindTag {
			tags = append(tags, pt)
		} else {
			users = append(users, pt)
		}
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Fused Frame Population (%d users, %d tags)", len(users), len(tags))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	p.Add(plotter.NewGrid())

	if len(users) > 0 {
		s, err := plotter.NewScatter(users)
		if err != nil {
			m.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build user series: %v", err))
			return
		}
		s.GlyphStyle.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
		s.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(s)
		p.Legend.Add("users", s)
	}
	if len(tags) > 0 {
		s, err := plotter.NewScatter(tags)
		if err != nil {
			m.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build tag series: %v", err))
			return
		}
		s.GlyphStyle.Color = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255}
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
		p.Legend.Add("tags", s)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		m.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render frame plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}
