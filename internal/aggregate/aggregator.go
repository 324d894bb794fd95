// Package aggregate computes the QualitySummary for one filtered record
// set: per-district counts, per-enumerator duration distributions and error
// tallies, anomalies, daily/hourly activity, and the quality scores. The
// summary is recomputed whole on every cycle; there is no incremental state.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/survey-quality/dashboard/internal/records"
)

type Config struct {
	MinDurationMinutes float64
	MaxDurationMinutes float64
	RequiredFields     []string
	// SupportThreshold marks enumerators whose leaderboard score falls
	// below it as needing support.
	SupportThreshold float64
	// DistrictTargets maps district name to its expected submission count.
	// Districts with a target but no submissions still appear in the
	// summary at zero progress.
	DistrictTargets map[string]int
}

// Alerting thresholds. An enumerator alert fires above this error rate, a
// district alert below this percentage of its target.
const (
	alertErrorRate       = 0.25
	alertProgressPercent = 50.0
	scoreValidityWeight  = 0.7
	scoreVolumeWeight    = 0.3
	// coordinateKeyFormat rounds to 4 decimals (~11m) for duplicate detection.
	coordinateKeyFormat = "%.4f,%.4f"
)

type Aggregator struct {
	cfg Config
}

func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

type enumeratorTally struct {
	count     int
	durations []float64
	errors    int
	valid     int
}

// Summarize aggregates the full filtered set. Zero records yield a valid
// empty summary, never an error.
func (a *Aggregator) Summarize(recs []records.CleanRecord) *records.QualitySummary {
	summary := &records.QualitySummary{
		GeneratedAt:        time.Now().UTC(),
		TotalRecords:       len(recs),
		Districts:          []records.DistrictCount{},
		Enumerators:        []records.EnumeratorStats{},
		Anomalies:          []records.Anomaly{},
		DailyCounts:        []records.DailyCount{},
		MissingFieldCounts: make(map[string]int),
		Alerts:             []records.Alert{},
	}

	districtCounts := make(map[string]int)
	enumerators := make(map[string]*enumeratorTally)
	daily := make(map[string]int)
	locations := make(map[string]int)
	missingIncidents := 0
	withinBounds := 0

	for i := range recs {
		rec := &recs[i]

		districtCounts[rec.District]++
		daily[rec.SubmittedAt.Format("2006-01-02")]++
		summary.HourlyCounts[rec.SubmittedAt.Hour()]++

		tally := enumerators[rec.Enumerator]
		if tally == nil {
			tally = &enumeratorTally{}
			enumerators[rec.Enumerator] = tally
		}
		tally.count++

		isError := rec.Flagged()

		if rec.DurationMinutes != nil {
			d := *rec.DurationMinutes
			tally.durations = append(tally.durations, d)
			if d < a.cfg.MinDurationMinutes || d > a.cfg.MaxDurationMinutes {
				isError = true
				summary.DurationOutOfRange++
				summary.Anomalies = append(summary.Anomalies, records.Anomaly{
					Kind:       records.FlagDurationOutOfRange,
					District:   rec.District,
					Enumerator: rec.Enumerator,
					Detail:     fmt.Sprintf("%.1f minutes outside [%g, %g]", d, a.cfg.MinDurationMinutes, a.cfg.MaxDurationMinutes),
				})
			} else {
				withinBounds++
				tally.valid++
			}
		}

		for _, field := range rec.MissingFields {
			missingIncidents++
			summary.MissingFieldCounts[field]++
			summary.Anomalies = append(summary.Anomalies, records.Anomaly{
				Kind:       records.FlagMissingField,
				District:   rec.District,
				Enumerator: rec.Enumerator,
				Field:      field,
			})
		}
		if rec.HasFlag(records.FlagMissingDuration) && !containsString(rec.MissingFields, "duration_minutes") {
			summary.MissingFieldCounts["duration_minutes"]++
			summary.Anomalies = append(summary.Anomalies, records.Anomaly{
				Kind:       records.FlagMissingField,
				District:   rec.District,
				Enumerator: rec.Enumerator,
				Field:      "duration_minutes",
			})
		}

		if rec.HasValidGPS() {
			summary.ValidGPSCount++
			locations[fmt.Sprintf(coordinateKeyFormat, *rec.Latitude, *rec.Longitude)]++
		} else {
			kind := records.FlagMissingGeopoint
			if rec.HasFlag(records.FlagMalformedGeopoint) {
				kind = records.FlagMalformedGeopoint
			}
			summary.Anomalies = append(summary.Anomalies, records.Anomaly{
				Kind:       kind,
				District:   rec.District,
				Enumerator: rec.Enumerator,
			})
		}

		if rec.Flagged() {
			summary.FlaggedRecords++
		}
		if isError {
			tally.errors++
		}
	}

	a.duplicateLocations(summary, locations)
	a.buildDistricts(summary, districtCounts)
	a.buildEnumerators(summary, enumerators)
	a.buildDaily(summary, daily)
	a.buildScores(summary, missingIncidents, withinBounds)
	a.buildAlerts(summary)

	return summary
}

func (a *Aggregator) duplicateLocations(summary *records.QualitySummary, locations map[string]int) {
	keys := make([]string, 0, len(locations))
	for key, n := range locations {
		if n > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		summary.DuplicateLocations++
		summary.Anomalies = append(summary.Anomalies, records.Anomaly{
			Kind:   records.FlagDuplicateGeopoint,
			Detail: fmt.Sprintf("%d records share location %s", locations[key], key),
		})
	}
}

func (a *Aggregator) buildDistricts(summary *records.QualitySummary, counts map[string]int) {
	seen := make(map[string]struct{}, len(counts))
	for name, count := range counts {
		seen[name] = struct{}{}
		dc := records.DistrictCount{District: name, Count: count}
		if target := a.cfg.DistrictTargets[name]; target > 0 {
			dc.Target = target
			dc.Progress = float64(count) / float64(target) * 100
		}
		summary.Districts = append(summary.Districts, dc)
	}
	for name, target := range a.cfg.DistrictTargets {
		if _, ok := seen[name]; ok || target <= 0 {
			continue
		}
		summary.Districts = append(summary.Districts, records.DistrictCount{District: name, Target: target})
	}

	sort.Slice(summary.Districts, func(i, j int) bool {
		if summary.Districts[i].Count != summary.Districts[j].Count {
			return summary.Districts[i].Count > summary.Districts[j].Count
		}
		return summary.Districts[i].District < summary.Districts[j].District
	})
}

func (a *Aggregator) buildEnumerators(summary *records.QualitySummary, enumerators map[string]*enumeratorTally) {
	maxCount := 0
	for _, tally := range enumerators {
		if tally.count > maxCount {
			maxCount = tally.count
		}
	}

	for name, tally := range enumerators {
		stats := records.EnumeratorStats{
			Enumerator: name,
			Count:      tally.count,
			Errors:     tally.errors,
		}
		if tally.count > 0 {
			stats.ErrorRate = float64(tally.errors) / float64(tally.count)
		}
		if len(tally.durations) > 0 {
			sort.Float64s(tally.durations)
			stats.MinDuration = ptr(tally.durations[0])
			stats.MaxDuration = ptr(tally.durations[len(tally.durations)-1])
			stats.MeanDuration = ptr(mean(tally.durations))
			stats.MedianDuration = ptr(median(tally.durations))
		}
		if maxCount > 0 && tally.count > 0 {
			validRate := float64(tally.valid) / float64(tally.count)
			volume := float64(tally.count) / float64(maxCount)
			stats.Score = scoreValidityWeight*validRate + scoreVolumeWeight*volume
		}
		stats.NeedsSupport = stats.Score < a.cfg.SupportThreshold
		summary.Enumerators = append(summary.Enumerators, stats)
	}

	sort.Slice(summary.Enumerators, func(i, j int) bool {
		if summary.Enumerators[i].Score != summary.Enumerators[j].Score {
			return summary.Enumerators[i].Score > summary.Enumerators[j].Score
		}
		return summary.Enumerators[i].Enumerator < summary.Enumerators[j].Enumerator
	})
}

func (a *Aggregator) buildDaily(summary *records.QualitySummary, daily map[string]int) {
	dates := make([]string, 0, len(daily))
	for date := range daily {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		summary.DailyCounts = append(summary.DailyCounts, records.DailyCount{Date: date, Count: daily[date]})
	}
}

func (a *Aggregator) buildScores(summary *records.QualitySummary, missingIncidents, withinBounds int) {
	total := summary.TotalRecords
	if total == 0 {
		return
	}

	completeness := 1.0
	if required := len(a.cfg.RequiredFields); required > 0 {
		completeness = 1 - float64(missingIncidents)/float64(total*required)
	}
	summary.Scores = records.Scores{
		Completeness: completeness,
		Validity:     float64(withinBounds) / float64(total),
		GPSValidity:  float64(summary.ValidGPSCount) / float64(total),
	}
	summary.Scores.Overall = (summary.Scores.Completeness + summary.Scores.Validity + summary.Scores.GPSValidity) / 3
}

func (a *Aggregator) buildAlerts(summary *records.QualitySummary) {
	for _, stats := range summary.Enumerators {
		if stats.ErrorRate > alertErrorRate {
			summary.Alerts = append(summary.Alerts, records.Alert{
				Severity: "warning",
				Message:  fmt.Sprintf("enumerator %s error rate %.0f%% (%d of %d records)", stats.Enumerator, stats.ErrorRate*100, stats.Errors, stats.Count),
			})
		}
	}
	for _, dc := range summary.Districts {
		if dc.Target > 0 && dc.Progress < alertProgressPercent {
			summary.Alerts = append(summary.Alerts, records.Alert{
				Severity: "warning",
				Message:  fmt.Sprintf("district %s at %.0f%% of target (%d of %d)", dc.District, dc.Progress, dc.Count, dc.Target),
			})
		}
	}
	if summary.DuplicateLocations > 0 {
		summary.Alerts = append(summary.Alerts, records.Alert{
			Severity: "critical",
			Message:  fmt.Sprintf("%d locations are shared by multiple submissions", summary.DuplicateLocations),
		})
	}
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// median expects xs sorted ascending.
func median(xs []float64) float64 {
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

func ptr(v float64) *float64 {
	return &v
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
