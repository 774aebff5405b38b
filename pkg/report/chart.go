package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
)

const (
	chartWidth  = "100%"
	chartHeight = "500px"
	xAxisRotate = 45

	colorBackground = "#1c1917"
	colorText       = "#e7e5e4"
	colorMuted      = "#a8a29e"
	colorAxis       = "#57534e"
	colorRows       = "#a18072"
	colorFiles      = "#5b8def"
	colorSkipped    = "#e5484d"
)

// ReleaseChart builds a bar chart of emitted rows and parsed files per
// release. Skipped releases are drawn with a zero-height red marker.
func ReleaseChart(res orchestrator.Result) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:           chartWidth,
			Height:          chartHeight,
			BackgroundColor: colorBackground,
			Theme:           "dark",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         res.Project.DisplayName(),
			Subtitle:      fmt.Sprintf("%d releases, %d skipped, %d rows", len(res.Releases), res.Skipped(), res.Rows),
			Left:          "center",
			TitleStyle:    &opts.TextStyle{Color: colorText},
			SubtitleStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{
			Show:      opts.Bool(true),
			Top:       "10%",
			Left:      "center",
			TextStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithGridOpts(opts.Grid{
			Left: "5%", Right: "5%",
			Top: "25%", Bottom: "15%",
			ContainLabel: opts.Bool(true),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Rotate: xAxisRotate, Interval: "0", Color: colorMuted},
			AxisLine:  &opts.AxisLine{LineStyle: &opts.LineStyle{Color: colorAxis}},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:      "Count",
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			AxisLine:  &opts.AxisLine{LineStyle: &opts.LineStyle{Color: colorAxis}},
		}),
	)

	labels := make([]string, len(res.Releases))
	rows := make([]opts.BarData, len(res.Releases))
	files := make([]opts.BarData, len(res.Releases))

	for i, rel := range res.Releases {
		labels[i] = rel.Tag
		rows[i] = opts.BarData{Name: rel.Tag, Value: rel.Rows}
		files[i] = opts.BarData{Name: rel.Tag, Value: rel.Files}

		if rel.Skipped {
			rows[i].ItemStyle = &opts.ItemStyle{Color: colorSkipped}
		}
	}

	bar.SetXAxis(labels)
	bar.AddSeries("Rows", rows, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorRows}))
	bar.AddSeries("Files", files, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorFiles}))

	return bar
}

// WriteChart renders the release chart of res as a standalone HTML page.
func WriteChart(w io.Writer, res orchestrator.Result) error {
	if err := ReleaseChart(res).Render(w); err != nil {
		return fmt.Errorf("%w: chart for %s: %w", ErrRender, res.Project.DisplayName(), err)
	}

	return nil
}
