// Package records holds the data types shared by the pipeline stages:
// raw submissions as fetched, cleaned records, and the aggregated quality
// summary served by the API. All timestamps are UTC instants.
package records

import "time"

// RawRecord is one survey submission exactly as decoded from the remote
// data API. Transient; it exists only for the duration of one refresh cycle.
type RawRecord map[string]any

// Flag marks a data-quality issue found on a record. Transform-time flags
// travel with the record; threshold flags are computed by the aggregator.
type Flag string

const (
	FlagMissingDuration    Flag = "missing_duration"
	FlagMissingGeopoint    Flag = "missing_geopoint"
	FlagMalformedGeopoint  Flag = "malformed_geopoint"
	FlagMissingField       Flag = "missing_field"
	FlagDurationOutOfRange Flag = "duration_out_of_range"
	FlagDuplicateGeopoint  Flag = "duplicate_geopoint"
)

// CleanRecord is a transformed submission. Optional numeric fields are
// pointers: nil means the source field was absent or unusable, never zero.
type CleanRecord struct {
	SubmittedAt     time.Time
	District        string
	Enumerator      string
	DurationMinutes *float64
	Latitude        *float64
	Longitude       *float64
	Flags           []Flag
	MissingFields   []string
	Fields          map[string]string
}

func (r *CleanRecord) HasFlag(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

func (r *CleanRecord) Flagged() bool {
	return len(r.Flags) > 0
}

// HasValidGPS reports whether both coordinates were parsed. Records without
// valid coordinates are excluded from the map but counted everywhere else.
func (r *CleanRecord) HasValidGPS() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// QualitySummary is the aggregated view over one filtered record set. It is
// recomputed from scratch every cycle and serialized as-is on /api/metrics.
type QualitySummary struct {
	GeneratedAt        time.Time         `json:"generated_at"`
	TotalRecords       int               `json:"total_records"`
	FlaggedRecords     int               `json:"flagged_records"`
	ValidGPSCount      int               `json:"valid_gps_count"`
	DurationOutOfRange int               `json:"duration_out_of_range"`
	DuplicateLocations int               `json:"duplicate_locations"`
	Districts          []DistrictCount   `json:"districts"`
	Enumerators        []EnumeratorStats `json:"enumerators"`
	Anomalies          []Anomaly         `json:"anomalies"`
	DailyCounts        []DailyCount      `json:"daily_counts"`
	HourlyCounts       [24]int           `json:"hourly_counts"`
	MissingFieldCounts map[string]int    `json:"missing_field_counts"`
	Scores             Scores            `json:"scores"`
	Alerts             []Alert           `json:"alerts"`
}

type DistrictCount struct {
	District string  `json:"district"`
	Count    int     `json:"count"`
	Target   int     `json:"target,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// EnumeratorStats carries per-enumerator volume, duration distribution and
// error tally. Duration stats are nil when none of the enumerator's records
// had a parseable duration.
type EnumeratorStats struct {
	Enumerator     string   `json:"enumerator"`
	Count          int      `json:"count"`
	MeanDuration   *float64 `json:"mean_duration,omitempty"`
	MedianDuration *float64 `json:"median_duration,omitempty"`
	MinDuration    *float64 `json:"min_duration,omitempty"`
	MaxDuration    *float64 `json:"max_duration,omitempty"`
	Errors         int      `json:"errors"`
	ErrorRate      float64  `json:"error_rate"`
	Score          float64  `json:"score"`
	NeedsSupport   bool     `json:"needs_support"`
}

type Anomaly struct {
	Kind       Flag   `json:"kind"`
	District   string `json:"district,omitempty"`
	Enumerator string `json:"enumerator,omitempty"`
	Field      string `json:"field,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Scores are the quality dimensions in [0,1]: completeness of required
// fields, duration validity, GPS validity, and their mean.
type Scores struct {
	Completeness float64 `json:"completeness"`
	Validity     float64 `json:"validity"`
	GPSValidity  float64 `json:"gps_validity"`
	Overall      float64 `json:"overall"`
}

type Alert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
