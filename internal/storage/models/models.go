package models

import "time"

// Cycle is one refresh run, successful or not. Counts are the record totals
// at each pipeline stage.
type Cycle struct {
	ID            string
	Trigger       string
	Outcome       string
	Reason        string
	RawCount      int
	CleanCount    int
	DroppedCount  int
	FilteredCount int
	ExcludedCount int
	StartedAt     time.Time
	FinishedAt    time.Time
	DurationMS    int64
}

// SnapshotRow is the persisted form of the latest rendered snapshot, used to
// serve a page immediately after a restart. Only the newest row is kept.
type SnapshotRow struct {
	ID            string
	GeneratedAt   time.Time
	HTML          []byte
	Export        []byte
	SummaryJSON   []byte
	FilteredCount int
	ExcludedCount int
}
