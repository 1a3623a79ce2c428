// Package report summarises decoded sweeps for the offline analysis tools:
// per-ring range statistics and quick-look scatter renders of a decoded
// point cloud.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/velodyne-rawdata/internal/velodyne"
)

// RingStats summarises the measured ranges of one output channel.
type RingStats struct {
	Ring   uint16  `json:"ring"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_m"`
	StdDev float64 `json:"stddev_m"`
	Min    float64 `json:"min_m"`
	Max    float64 `json:"max_m"`
	P50    float64 `json:"p50_m"`
	P95    float64 `json:"p95_m"`
}

// ComputeRingStats groups points by ring and summarises the Euclidean range
// of each group, sorted by ring id.
func ComputeRingStats(points []velodyne.Point) []RingStats {
	byRing := make(map[uint16][]float64)
	for _, p := range points {
		r := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
		byRing[p.Ring] = append(byRing[p.Ring], r)
	}

	out := make([]RingStats, 0, len(byRing))
	for ring, ranges := range byRing {
		sort.Float64s(ranges)
		out = append(out, RingStats{
			Ring:   ring,
			Count:  len(ranges),
			Mean:   stat.Mean(ranges, nil),
			StdDev: stat.StdDev(ranges, nil),
			Min:    ranges[0],
			Max:    ranges[len(ranges)-1],
			P50:    stat.Quantile(0.5, stat.Empirical, ranges, nil),
			P95:    stat.Quantile(0.95, stat.Empirical, ranges, nil),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Ring < out[b].Ring })
	return out
}

// WriteSweepScatter renders an interactive top-down (XY) scatter of the
// cloud as a standalone HTML page, coloured by intensity. Points beyond
// maxPoints are downsampled by stride to keep the page responsive.
func WriteSweepScatter(w io.Writer, title string, points []velodyne.Point, maxPoints int) error {
	if len(points) == 0 {
		return fmt.Errorf("no points to plot")
	}
	if maxPoints <= 0 {
		maxPoints = 8000
	}
	stride := 1
	if len(points) > maxPoints {
		stride = int(math.Ceil(float64(len(points)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(points)/stride+1)
	maxAbs := 0.0
	maxIntensity := 0.0
	for i := 0; i < len(points); i += stride {
		p := points[i]
		if math.Abs(p.X) > maxAbs {
			maxAbs = math.Abs(p.X)
		}
		if math.Abs(p.Y) > maxAbs {
			maxAbs = math.Abs(p.Y)
		}
		if p.Intensity > maxIntensity {
			maxIntensity = p.Intensity
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Intensity}})
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxIntensity == 0 {
		maxIntensity = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("points=%d stride=%d", len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxIntensity),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("sweep", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	return scatter.Render(w)
}

// WriteSweepPNG saves a static top-down scatter of the cloud, for reports
// where an HTML page is inconvenient.
func WriteSweepPNG(path, title string, points []velodyne.Point) error {
	if len(points) == 0 {
		return fmt.Errorf("no points to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	xys := make(plotter.XYs, 0, len(points))
	for _, pt := range points {
		xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return fmt.Errorf("failed to build scatter: %w", err)
	}
	scatter.Radius = vg.Points(0.5)
	p.Add(scatter)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
