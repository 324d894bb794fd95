// Package transform turns raw API submissions into CleanRecords: geopoint
// splitting, duration unit conversion, timestamp normalization to UTC, and
// table-driven column remapping. Transformation is per-record and non-fatal;
// a malformed record is repaired with flags or dropped with a count, never
// an error for the whole batch.
package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/survey-quality/dashboard/internal/records"
)

// Config names the source columns and the cleaning policy. All values come
// from external configuration; nothing here is form-specific.
type Config struct {
	GeopointField   string
	DurationField   string
	SubmittedField  string
	DistrictField   string
	EnumeratorField string
	// Columns renames passthrough fields: source name -> canonical name.
	// Fields absent from the table keep their original name.
	Columns map[string]string
	// RequiredFields are canonical names checked after remapping; absence
	// is flagged, not fatal.
	RequiredFields []string
	// RoundDurations rounds duration_minutes to the nearest whole minute.
	// When false the fractional value is kept.
	RoundDurations bool
}

type Transformer struct {
	cfg      Config
	consumed map[string]struct{}
}

// Result reports one batch run. Dropped counts records whose submission
// timestamp could not be parsed; Flagged counts emitted records carrying at
// least one quality flag.
type Result struct {
	Records []records.CleanRecord
	Total   int
	Dropped int
	Flagged int
}

func New(cfg Config) *Transformer {
	consumed := map[string]struct{}{
		cfg.GeopointField:   {},
		cfg.DurationField:   {},
		cfg.SubmittedField:  {},
		cfg.DistrictField:   {},
		cfg.EnumeratorField: {},
	}
	delete(consumed, "")
	return &Transformer{cfg: cfg, consumed: consumed}
}

// Run applies the transformer to every raw record independently.
func (t *Transformer) Run(raws []records.RawRecord) Result {
	res := Result{Total: len(raws), Records: make([]records.CleanRecord, 0, len(raws))}
	for _, raw := range raws {
		rec, ok := t.Apply(raw)
		if !ok {
			res.Dropped++
			continue
		}
		if rec.Flagged() {
			res.Flagged++
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

// Apply produces zero or one CleanRecord from a raw submission. ok is false
// only when the submission timestamp cannot be parsed; every other defect is
// recorded as a flag on the returned record.
func (t *Transformer) Apply(raw records.RawRecord) (records.CleanRecord, bool) {
	submitted, ok := parseTimestamp(valueString(raw[t.cfg.SubmittedField]))
	if !ok {
		return records.CleanRecord{}, false
	}

	rec := records.CleanRecord{
		SubmittedAt: submitted,
		Fields:      make(map[string]string),
	}

	t.applyDuration(raw, &rec)
	t.applyGeopoint(raw, &rec)

	district := strings.TrimSpace(valueString(raw[t.cfg.DistrictField]))
	enumerator := strings.TrimSpace(valueString(raw[t.cfg.EnumeratorField]))

	for key, val := range raw {
		if _, skip := t.consumed[key]; skip {
			continue
		}
		name := key
		if canonical, mapped := t.cfg.Columns[key]; mapped {
			name = canonical
		}
		rec.Fields[name] = valueString(val)
	}

	t.applyRequired(&rec, district, enumerator)

	rec.District = district
	if rec.District == "" {
		rec.District = "Unknown"
	}
	rec.Enumerator = enumerator
	if rec.Enumerator == "" {
		rec.Enumerator = "Unknown"
	}

	return rec, true
}

func (t *Transformer) applyDuration(raw records.RawRecord, rec *records.CleanRecord) {
	val, present := raw[t.cfg.DurationField]
	if !present {
		rec.Flags = append(rec.Flags, records.FlagMissingDuration)
		return
	}
	seconds, ok := parseNumber(val)
	if !ok {
		rec.Flags = append(rec.Flags, records.FlagMissingDuration)
		return
	}
	minutes := seconds / 60
	if t.cfg.RoundDurations {
		minutes = math.Round(minutes)
	}
	rec.DurationMinutes = &minutes
}

func (t *Transformer) applyGeopoint(raw records.RawRecord, rec *records.CleanRecord) {
	val, present := raw[t.cfg.GeopointField]
	if !present {
		rec.Flags = append(rec.Flags, records.FlagMissingGeopoint)
		return
	}
	str, isString := val.(string)
	if !isString || strings.TrimSpace(str) == "" {
		rec.Flags = append(rec.Flags, records.FlagMissingGeopoint)
		return
	}

	tokens := strings.Fields(str)
	if len(tokens) < 2 {
		rec.Flags = append(rec.Flags, records.FlagMalformedGeopoint)
		return
	}
	lat, errLat := strconv.ParseFloat(tokens[0], 64)
	lon, errLon := strconv.ParseFloat(tokens[1], 64)
	if errLat != nil || errLon != nil || !finite(lat) || !finite(lon) {
		rec.Flags = append(rec.Flags, records.FlagMalformedGeopoint)
		return
	}
	rec.Latitude = &lat
	rec.Longitude = &lon
}

func (t *Transformer) applyRequired(rec *records.CleanRecord, district, enumerator string) {
	for _, name := range t.cfg.RequiredFields {
		if t.requiredPresent(rec, name, district, enumerator) {
			continue
		}
		rec.MissingFields = append(rec.MissingFields, name)
		rec.Flags = append(rec.Flags, records.FlagMissingField)
	}
}

func (t *Transformer) requiredPresent(rec *records.CleanRecord, name, district, enumerator string) bool {
	switch name {
	case "district":
		return district != ""
	case "enumerator":
		return enumerator != ""
	case "duration_minutes":
		return rec.DurationMinutes != nil
	case "latitude", "longitude":
		return rec.HasValidGPS()
	case "submitted_at":
		return true
	default:
		return strings.TrimSpace(rec.Fields[name]) != ""
	}
}

// submissionLayouts are tried in order. Layouts without a zone are parsed as
// UTC; a timestamp that matches none of them drops the record.
var submissionLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range submissionLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseNumber(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, finite(v)
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && finite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && finite(f)
	default:
		return 0, false
	}
}

// valueString flattens a decoded JSON value for the passthrough field map.
// Composite values are kept as compact JSON.
func valueString(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
