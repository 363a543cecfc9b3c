package sim

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WritePlot saves a PNG (or any format gonum/plot infers from the
// extension) of aim error per frame, one line per result.
func WritePlot(results []*Result, path string) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to plot")
	}
	p := plot.New()
	p.Title.Text = "Aim error per frame"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Error (px)"

	colors := palette(len(results))
	for i, r := range results {
		pts := make(plotter.XYs, 0, len(r.Samples))
		for _, s := range r.Samples {
			pts = append(pts, plotter.XY{X: float64(s.Frame), Y: s.Error})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", r.Scenario, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(r.Scenario, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// palette spreads n colours around the hue wheel.
func palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hueToRGB(float64(i) / float64(n))
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

// hueToRGB converts a hue in [0,1) at fixed saturation and lightness.
func hueToRGB(h float64) (r, g, b uint8) {
	const s, l = 0.7, 0.5
	c := (1 - math.Abs(2*l-1)) * s
	hp := h * 6
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var rf, gf, bf float64
	switch int(hp) {
	case 0:
		rf, gf = c, x
	case 1:
		rf, gf = x, c
	case 2:
		gf, bf = c, x
	case 3:
		gf, bf = x, c
	case 4:
		rf, bf = x, c
	default:
		rf, bf = c, x
	}
	m := l - c/2
	return uint8((rf + m) * 255), uint8((gf + m) * 255), uint8((bf + m) * 255)
}

// WriteHTML renders an interactive report of results to w: error and gain
// scale per frame, and a summary bar chart.
func WriteHTML(w io.Writer, results []*Result) error {
	frames := 0
	for _, r := range results {
		if len(r.Samples) > frames {
			frames = len(r.Samples)
		}
	}
	x := make([]int, frames)
	for i := range x {
		x[i] = i
	}

	errLine := charts.NewLine()
	errLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "trackpoint simulation", Theme: "dark", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Aim error", Subtitle: "distance from aim to primary target after each tick"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "px"}),
	)
	errLine.SetXAxis(x)

	gainLine := charts.NewLine()
	gainLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Gain scale", Subtitle: "anti-overshoot multiplier on Kp"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	gainLine.SetXAxis(x)

	names := make([]string, 0, len(results))
	var mean, p95, peak []opts.BarData
	for _, r := range results {
		errs := make([]opts.LineData, len(r.Samples))
		gains := make([]opts.LineData, len(r.Samples))
		for i, s := range r.Samples {
			errs[i] = opts.LineData{Value: s.Error}
			gains[i] = opts.LineData{Value: s.GainScale}
		}
		errLine.AddSeries(r.Scenario, errs, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		gainLine.AddSeries(r.Scenario, gains, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

		names = append(names, r.Scenario)
		mean = append(mean, opts.BarData{Value: r.MeanError})
		p95 = append(p95, opts.BarData{Value: r.P95Error})
		peak = append(peak, opts.BarData{Value: r.MaxError})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Error summary"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("mean", mean).
		AddSeries("p95", p95).
		AddSeries("max", peak)

	page := components.NewPage()
	page.AddCharts(errLine, gainLine, bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
