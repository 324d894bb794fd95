// Package filter drops records submitted before the configured cutoff
// instant. The comparison happens in UTC on both sides; a zone-naive value
// never meets a zone-aware one.
package filter

import (
	"time"

	"github.com/survey-quality/dashboard/internal/records"
)

// Apply keeps records with SubmittedAt >= cutoff and reports how many were
// excluded. Pure predicate; applying it twice with the same cutoff returns
// the same set.
func Apply(recs []records.CleanRecord, cutoff time.Time) ([]records.CleanRecord, int) {
	cutoff = cutoff.UTC()
	kept := make([]records.CleanRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.SubmittedAt.UTC().Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, len(recs) - len(kept)
}
