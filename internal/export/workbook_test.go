package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/survey-quality/dashboard/internal/records"
)

func f64(v float64) *float64 { return &v }

func testRecords() []records.CleanRecord {
	return []records.CleanRecord{
		{
			SubmittedAt:     time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC),
			District:        "Bosaso",
			Enumerator:      "alpha",
			DurationMinutes: f64(90),
			Latitude:        f64(10.5),
			Longitude:       f64(45.2),
			Fields:          map[string]string{"respondent_name": "Asha"},
		},
		{
			SubmittedAt:   time.Date(2025, 11, 3, 17, 30, 0, 0, time.UTC),
			District:      "Gabiley",
			Enumerator:    "bravo",
			Flags:         []records.Flag{records.FlagMissingGeopoint},
			MissingFields: []string{"respondent_name"},
		},
	}
}

func testSummary() *records.QualitySummary {
	return &records.QualitySummary{
		GeneratedAt:   time.Date(2025, 11, 5, 9, 30, 0, 0, time.UTC),
		TotalRecords:  2,
		ValidGPSCount: 1,
		Districts: []records.DistrictCount{
			{District: "Bosaso", Count: 1, Target: 100, Progress: 1},
			{District: "Gabiley", Count: 1},
		},
		Enumerators: []records.EnumeratorStats{
			{Enumerator: "alpha", Count: 1, MeanDuration: f64(90), Score: 1},
			{Enumerator: "bravo", Count: 1, Errors: 1, ErrorRate: 1, Score: 0.3, NeedsSupport: true},
		},
		Anomalies: []records.Anomaly{
			{Kind: records.FlagMissingGeopoint, District: "Gabiley", Enumerator: "bravo"},
		},
		Scores: records.Scores{Completeness: 0.5, Validity: 1, GPSValidity: 0.5, Overall: 0.66},
	}
}

func openWorkbook(t *testing.T, raw []byte) *excelize.File {
	t.Helper()
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	t.Cleanup(func() { wb.Close() })
	return wb
}

func cell(t *testing.T, wb *excelize.File, sheet, ref string) string {
	t.Helper()
	v, err := wb.GetCellValue(sheet, ref)
	if err != nil {
		t.Fatalf("read %s!%s: %v", sheet, ref, err)
	}
	return v
}

func TestWorkbookSheets(t *testing.T) {
	raw, err := Workbook(testSummary(), testRecords())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}

	wb := openWorkbook(t, raw)
	got := wb.GetSheetList()
	want := []string{"Records", "Summary", "Anomalies"}
	if len(got) != len(want) {
		t.Fatalf("sheets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sheet[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWorkbookRecordsSheet(t *testing.T) {
	raw, err := Workbook(testSummary(), testRecords())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	wb := openWorkbook(t, raw)

	rows, err := wb.GetRows(sheetRecords)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("records sheet has %d rows, want 3", len(rows))
	}

	if got := cell(t, wb, sheetRecords, "A1"); got != "submitted_at" {
		t.Errorf("A1 = %q", got)
	}
	if got := cell(t, wb, sheetRecords, "I1"); got != "respondent_name" {
		t.Errorf("passthrough column header = %q, want respondent_name", got)
	}
	if got := cell(t, wb, sheetRecords, "A2"); got != "2025-11-02T09:00:00Z" {
		t.Errorf("A2 = %q", got)
	}
	if got := cell(t, wb, sheetRecords, "D2"); got != "90" {
		t.Errorf("duration cell = %q, want 90", got)
	}
	if got := cell(t, wb, sheetRecords, "I2"); got != "Asha" {
		t.Errorf("passthrough cell = %q, want Asha", got)
	}
	if got := cell(t, wb, sheetRecords, "G3"); got != "missing_geopoint" {
		t.Errorf("flags cell = %q, want missing_geopoint", got)
	}
	if got := cell(t, wb, sheetRecords, "H3"); got != "respondent_name" {
		t.Errorf("missing fields cell = %q, want respondent_name", got)
	}
}

func TestWorkbookSummarySheet(t *testing.T) {
	raw, err := Workbook(testSummary(), testRecords())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	wb := openWorkbook(t, raw)

	if got := cell(t, wb, sheetSummary, "A1"); got != "generated_at" {
		t.Errorf("A1 = %q", got)
	}
	if got := cell(t, wb, sheetSummary, "B2"); got != "2" {
		t.Errorf("total_records = %q, want 2", got)
	}
	if got := cell(t, wb, sheetSummary, "A12"); got != "district" {
		t.Errorf("district header row = %q", got)
	}
	if got := cell(t, wb, sheetSummary, "A13"); got != "Bosaso" {
		t.Errorf("first district = %q", got)
	}
	if got := cell(t, wb, sheetSummary, "A16"); got != "enumerator" {
		t.Errorf("enumerator header row = %q", got)
	}
	if got := cell(t, wb, sheetSummary, "A17"); got != "alpha" {
		t.Errorf("first enumerator = %q", got)
	}
}

func TestWorkbookAnomaliesSheet(t *testing.T) {
	raw, err := Workbook(testSummary(), testRecords())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	wb := openWorkbook(t, raw)

	if got := cell(t, wb, sheetAnomalies, "A1"); got != "kind" {
		t.Errorf("A1 = %q", got)
	}
	if got := cell(t, wb, sheetAnomalies, "A2"); got != "missing_geopoint" {
		t.Errorf("anomaly kind = %q", got)
	}
	if got := cell(t, wb, sheetAnomalies, "B2"); got != "Gabiley" {
		t.Errorf("anomaly district = %q", got)
	}
	if got := cell(t, wb, sheetAnomalies, "C2"); got != "bravo" {
		t.Errorf("anomaly enumerator = %q", got)
	}
}

func TestWorkbookNoRecords(t *testing.T) {
	summary := &records.QualitySummary{GeneratedAt: time.Date(2025, 11, 5, 9, 30, 0, 0, time.UTC)}

	raw, err := Workbook(summary, nil)
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	wb := openWorkbook(t, raw)

	rows, err := wb.GetRows(sheetRecords)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("empty export has %d record rows, want header only", len(rows))
	}
}
