// Package export builds the downloadable XLSX report. The workbook always
// carries three sheets: the cleaned records, the aggregate summary, and the
// anomaly list, so the download matches what the dashboard page shows.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/survey-quality/dashboard/internal/records"
)

const (
	sheetRecords   = "Records"
	sheetSummary   = "Summary"
	sheetAnomalies = "Anomalies"
)

var recordColumns = []string{
	"submitted_at",
	"district",
	"enumerator",
	"duration_minutes",
	"latitude",
	"longitude",
	"flags",
	"missing_fields",
}

// Workbook encodes the record set and its summary as an XLSX workbook.
func Workbook(summary *records.QualitySummary, recs []records.CleanRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetRecords); err != nil {
		return nil, fmt.Errorf("rename records sheet: %w", err)
	}
	if err := writeRecords(f, recs); err != nil {
		return nil, err
	}
	if err := writeSummary(f, summary); err != nil {
		return nil, err
	}
	if err := writeAnomalies(f, summary.Anomalies); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRecords(f *excelize.File, recs []records.CleanRecord) error {
	extras := extraColumns(recs)

	header := make([]interface{}, 0, len(recordColumns)+len(extras))
	for _, c := range recordColumns {
		header = append(header, c)
	}
	for _, c := range extras {
		header = append(header, c)
	}
	if err := setRow(f, sheetRecords, 1, header); err != nil {
		return err
	}

	for i := range recs {
		rec := &recs[i]
		row := []interface{}{
			rec.SubmittedAt.UTC().Format(time.RFC3339),
			rec.District,
			rec.Enumerator,
			floatCell(rec.DurationMinutes),
			floatCell(rec.Latitude),
			floatCell(rec.Longitude),
			joinFlags(rec.Flags),
			strings.Join(rec.MissingFields, ", "),
		}
		for _, c := range extras {
			row = append(row, rec.Fields[c])
		}
		if err := setRow(f, sheetRecords, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeSummary(f *excelize.File, summary *records.QualitySummary) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	rows := [][]interface{}{
		{"generated_at", summary.GeneratedAt.UTC().Format(time.RFC3339)},
		{"total_records", summary.TotalRecords},
		{"flagged_records", summary.FlaggedRecords},
		{"valid_gps", summary.ValidGPSCount},
		{"duration_out_of_range", summary.DurationOutOfRange},
		{"duplicate_locations", summary.DuplicateLocations},
		{"completeness_score", summary.Scores.Completeness},
		{"validity_score", summary.Scores.Validity},
		{"gps_validity_score", summary.Scores.GPSValidity},
		{"overall_score", summary.Scores.Overall},
		{},
		{"district", "submissions", "target", "progress_percent"},
	}
	for _, dc := range summary.Districts {
		rows = append(rows, []interface{}{dc.District, dc.Count, dc.Target, dc.Progress})
	}

	rows = append(rows,
		[]interface{}{},
		[]interface{}{"enumerator", "records", "mean_minutes", "median_minutes", "min_minutes", "max_minutes", "errors", "error_rate", "score", "needs_support"},
	)
	for _, es := range summary.Enumerators {
		rows = append(rows, []interface{}{
			es.Enumerator,
			es.Count,
			floatCell(es.MeanDuration),
			floatCell(es.MedianDuration),
			floatCell(es.MinDuration),
			floatCell(es.MaxDuration),
			es.Errors,
			es.ErrorRate,
			es.Score,
			es.NeedsSupport,
		})
	}

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if err := setRow(f, sheetSummary, i+1, row); err != nil {
			return err
		}
	}
	return nil
}

func writeAnomalies(f *excelize.File, anomalies []records.Anomaly) error {
	if _, err := f.NewSheet(sheetAnomalies); err != nil {
		return fmt.Errorf("create anomalies sheet: %w", err)
	}

	if err := setRow(f, sheetAnomalies, 1, []interface{}{"kind", "district", "enumerator", "field", "detail"}); err != nil {
		return err
	}
	for i, a := range anomalies {
		row := []interface{}{string(a.Kind), a.District, a.Enumerator, a.Field, a.Detail}
		if err := setRow(f, sheetAnomalies, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return fmt.Errorf("locate cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("write %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

// extraColumns collects the passthrough field names present across the
// record set, sorted so the column order is stable between exports.
func extraColumns(recs []records.CleanRecord) []string {
	seen := map[string]struct{}{}
	for i := range recs {
		for k := range recs[i].Fields {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func floatCell(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func joinFlags(flags []records.Flag) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, fl := range flags {
		parts[i] = string(fl)
	}
	return strings.Join(parts, ", ")
}
