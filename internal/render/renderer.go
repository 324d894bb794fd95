// Package render turns a QualitySummary into the dashboard HTML. Charts are
// built with go-echarts and embedded into the page as ECharts option JSON;
// the zero-record case renders a deterministic placeholder page instead of
// empty charts.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/survey-quality/dashboard/internal/records"
)

type Config struct {
	Title      string
	AssetsHost string
	// RefreshSeconds drives the page meta-refresh, matching the upstream
	// refresh cadence loosely.
	RefreshSeconds     int
	MinDurationMinutes float64
	MaxDurationMinutes float64
	Cutoff             time.Time
}

type Renderer struct {
	cfg         Config
	page        *template.Template
	placeholder *template.Template
}

func New(cfg Config) *Renderer {
	if cfg.Title == "" {
		cfg.Title = "Survey Quality Dashboard"
	}
	if cfg.RefreshSeconds <= 0 {
		cfg.RefreshSeconds = 300
	}
	return &Renderer{
		cfg:         cfg,
		page:        template.Must(template.New("dashboard").Parse(dashboardTpl)),
		placeholder: template.Must(template.New("placeholder").Parse(placeholderTpl)),
	}
}

// Render produces the page for one aggregation run. The filtered records are
// needed alongside the summary for the histogram and the GPS scatter; both
// views therefore always describe the same record set.
func (r *Renderer) Render(summary *records.QualitySummary, recs []records.CleanRecord, excluded int) ([]byte, error) {
	if summary.TotalRecords == 0 {
		return r.renderPlaceholder(summary.GeneratedAt, excluded)
	}
	return r.renderDashboard(summary, recs, excluded)
}

type chartBlock struct {
	ID     string
	Option template.JS
}

type statCard struct {
	Label string
	Value string
}

type enumeratorRow struct {
	Name         string
	Count        int
	Mean         string
	Median       string
	Min          string
	Max          string
	Errors       int
	ErrorRate    string
	Score        string
	NeedsSupport bool
}

type pageData struct {
	Title          string
	GeneratedAt    string
	RefreshSeconds int
	AssetsURL      string
	Excluded       int
	Cards          []statCard
	Alerts         []records.Alert
	Charts         []chartBlock
	Enumerators    []enumeratorRow
}

func (r *Renderer) renderDashboard(summary *records.QualitySummary, recs []records.CleanRecord, excluded int) ([]byte, error) {
	builders := []struct {
		id    string
		build func(*records.QualitySummary, []records.CleanRecord) echartsChart
	}{
		{"chart-districts", r.districtChart},
		{"chart-durations", r.durationChart},
		{"chart-gps", r.gpsChart},
		{"chart-daily", r.dailyChart},
		{"chart-hourly", r.hourlyChart},
	}

	data := pageData{
		Title:          r.cfg.Title,
		GeneratedAt:    summary.GeneratedAt.Format("2006-01-02 15:04:05 UTC"),
		RefreshSeconds: r.cfg.RefreshSeconds,
		AssetsURL:      r.cfg.AssetsHost + "echarts.min.js",
		Excluded:       excluded,
		Cards:          buildCards(summary),
		Alerts:         summary.Alerts,
		Enumerators:    buildEnumeratorRows(summary.Enumerators),
	}

	for _, b := range builders {
		option, err := chartOption(b.build(summary, recs))
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", b.id, err)
		}
		data.Charts = append(data.Charts, chartBlock{ID: b.id, Option: option})
	}

	var buf bytes.Buffer
	if err := r.page.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render dashboard page: %w", err)
	}
	return buf.Bytes(), nil
}

type placeholderData struct {
	Title          string
	GeneratedAt    string
	RefreshSeconds int
	Excluded       int
	Cutoff         string
}

func (r *Renderer) renderPlaceholder(generatedAt time.Time, excluded int) ([]byte, error) {
	data := placeholderData{
		Title:          r.cfg.Title,
		GeneratedAt:    generatedAt.Format("2006-01-02 15:04:05 UTC"),
		RefreshSeconds: r.cfg.RefreshSeconds,
		Excluded:       excluded,
		Cutoff:         r.cfg.Cutoff.UTC().Format("2006-01-02"),
	}

	var buf bytes.Buffer
	if err := r.placeholder.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render placeholder page: %w", err)
	}
	return buf.Bytes(), nil
}

// echartsChart is the slice of the go-echarts surface the renderer needs:
// finalize the chart, then expose its option document.
type echartsChart interface {
	Validate()
	JSON() map[string]interface{}
}

func chartOption(c echartsChart) (template.JS, error) {
	c.Validate()
	encoded, err := json.Marshal(c.JSON())
	if err != nil {
		return "", fmt.Errorf("encode chart option: %w", err)
	}
	return template.JS(encoded), nil
}

func (r *Renderer) districtChart(summary *records.QualitySummary, _ []records.CleanRecord) echartsChart {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Submissions by district"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	names := make([]string, 0, len(summary.Districts))
	counts := make([]opts.BarData, 0, len(summary.Districts))
	targets := make([]opts.BarData, 0, len(summary.Districts))
	hasTargets := false
	for _, dc := range summary.Districts {
		names = append(names, dc.District)
		counts = append(counts, opts.BarData{Value: dc.Count})
		targets = append(targets, opts.BarData{Value: dc.Target})
		if dc.Target > 0 {
			hasTargets = true
		}
	}

	bar.SetXAxis(names).AddSeries("submissions", counts)
	if hasTargets {
		bar.AddSeries("target", targets)
	}
	return bar
}

func (r *Renderer) durationChart(_ *records.QualitySummary, recs []records.CleanRecord) echartsChart {
	labels, counts := durationHistogram(recs, r.cfg.MaxDurationMinutes)

	data := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		data = append(data, opts.BarData{Value: c})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Interview duration (minutes)"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	bar.SetXAxis(labels).AddSeries("interviews", data,
		charts.WithMarkLineNameXAxisItemOpts(
			opts.MarkLineNameXAxisItem{Name: "min", XAxis: histogramLabel(r.cfg.MinDurationMinutes)},
			opts.MarkLineNameXAxisItem{Name: "max", XAxis: histogramLabel(r.cfg.MaxDurationMinutes)},
		),
	)
	return bar
}

func (r *Renderer) gpsChart(_ *records.QualitySummary, recs []records.CleanRecord) echartsChart {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Submission locations"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "longitude", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "latitude", Type: "value"}),
	)

	points := make([]opts.ScatterData, 0, len(recs))
	for i := range recs {
		if !recs[i].HasValidGPS() {
			continue
		}
		points = append(points, opts.ScatterData{Value: []interface{}{*recs[i].Longitude, *recs[i].Latitude}})
	}
	scatter.AddSeries("locations", points)
	return scatter
}

func (r *Renderer) dailyChart(summary *records.QualitySummary, _ []records.CleanRecord) echartsChart {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Daily submissions"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	dates := make([]string, 0, len(summary.DailyCounts))
	counts := make([]opts.LineData, 0, len(summary.DailyCounts))
	for _, dc := range summary.DailyCounts {
		dates = append(dates, dc.Date)
		counts = append(counts, opts.LineData{Value: dc.Count})
	}
	line.SetXAxis(dates).AddSeries("submissions", counts)
	return line
}

func (r *Renderer) hourlyChart(summary *records.QualitySummary, _ []records.CleanRecord) echartsChart {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Submissions by hour (UTC)"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	labels := make([]string, 24)
	data := make([]opts.BarData, 24)
	for hour := 0; hour < 24; hour++ {
		labels[hour] = fmt.Sprintf("%02d", hour)
		data[hour] = opts.BarData{Value: summary.HourlyCounts[hour]}
	}
	bar.SetXAxis(labels).AddSeries("submissions", data)
	return bar
}

const histogramBucket = 10

// durationHistogram buckets the parsed durations into fixed 10-minute bins.
// The range always covers the configured maximum so the threshold mark-line
// has a bin to land on.
func durationHistogram(recs []records.CleanRecord, maxThreshold float64) ([]string, []int) {
	top := maxThreshold + histogramBucket
	for i := range recs {
		if d := recs[i].DurationMinutes; d != nil && *d > top {
			top = *d
		}
	}
	buckets := int(math.Ceil((top+1)/histogramBucket)) + 1

	labels := make([]string, buckets)
	counts := make([]int, buckets)
	for i := 0; i < buckets; i++ {
		labels[i] = fmt.Sprintf("%d-%d", i*histogramBucket, (i+1)*histogramBucket)
	}
	for i := range recs {
		d := recs[i].DurationMinutes
		if d == nil {
			continue
		}
		idx := int(*d / histogramBucket)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}
	return labels, counts
}

func histogramLabel(minutes float64) string {
	lo := int(minutes/histogramBucket) * histogramBucket
	return fmt.Sprintf("%d-%d", lo, lo+histogramBucket)
}

func buildCards(summary *records.QualitySummary) []statCard {
	activeDistricts := 0
	for _, dc := range summary.Districts {
		if dc.Count > 0 {
			activeDistricts++
		}
	}
	return []statCard{
		{Label: "records", Value: fmt.Sprintf("%d", summary.TotalRecords)},
		{Label: "districts", Value: fmt.Sprintf("%d", activeDistricts)},
		{Label: "enumerators", Value: fmt.Sprintf("%d", len(summary.Enumerators))},
		{Label: "valid GPS", Value: fmt.Sprintf("%d (%s)", summary.ValidGPSCount, percent(summary.Scores.GPSValidity))},
		{Label: "flagged", Value: fmt.Sprintf("%d", summary.FlaggedRecords)},
		{Label: "duration out of range", Value: fmt.Sprintf("%d", summary.DurationOutOfRange)},
		{Label: "overall quality", Value: percent(summary.Scores.Overall)},
	}
}

func buildEnumeratorRows(stats []records.EnumeratorStats) []enumeratorRow {
	rows := make([]enumeratorRow, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, enumeratorRow{
			Name:         s.Enumerator,
			Count:        s.Count,
			Mean:         minutesOrDash(s.MeanDuration),
			Median:       minutesOrDash(s.MedianDuration),
			Min:          minutesOrDash(s.MinDuration),
			Max:          minutesOrDash(s.MaxDuration),
			Errors:       s.Errors,
			ErrorRate:    percent(s.ErrorRate),
			Score:        fmt.Sprintf("%.2f", s.Score),
			NeedsSupport: s.NeedsSupport,
		})
	}
	return rows
}

func minutesOrDash(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *v)
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
