// Package scheduler owns the refresh pipeline. One run loop executes cycles
// (fetch, transform, filter, aggregate, render) strictly one at a time and
// publishes the result as an immutable snapshot; triggers arriving while a
// cycle is in flight coalesce into a single queued run. The HTTP layer only
// ever reads the current snapshot.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/aggregate"
	"github.com/survey-quality/dashboard/internal/export"
	"github.com/survey-quality/dashboard/internal/filter"
	"github.com/survey-quality/dashboard/internal/metrics"
	"github.com/survey-quality/dashboard/internal/ona"
	"github.com/survey-quality/dashboard/internal/records"
	"github.com/survey-quality/dashboard/internal/storage/models"
	"github.com/survey-quality/dashboard/internal/transform"
	"github.com/survey-quality/dashboard/pkg/circuitbreaker"
	"github.com/survey-quality/dashboard/pkg/logger"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"

	TriggerManual   = "manual"
	TriggerInterval = "interval"
	TriggerStartup  = "startup"
)

// Snapshot is one completed render: the page, the workbook, and the summary
// they were both built from. A published snapshot is never mutated.
type Snapshot struct {
	ID            string
	GeneratedAt   time.Time
	HTML          []byte
	Export        []byte
	Summary       *records.QualitySummary
	FilteredCount int
	ExcludedCount int
}

// Counts are the record totals at each pipeline stage of one cycle.
type Counts struct {
	Raw      int `json:"raw"`
	Clean    int `json:"clean"`
	Dropped  int `json:"dropped"`
	Filtered int `json:"filtered"`
	Excluded int `json:"excluded"`
}

type CycleResult struct {
	CycleID  string
	Outcome  string
	Reason   string
	Duration time.Duration
}

type CycleInfo struct {
	CycleID    string    `json:"cycle_id"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Counts     Counts    `json:"counts"`
}

type FailureInfo struct {
	CycleID  string    `json:"cycle_id"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

type Status struct {
	State               string       `json:"state"`
	IntervalMinutes     int          `json:"interval_minutes"`
	SnapshotID          string       `json:"snapshot_id,omitempty"`
	SnapshotGeneratedAt *time.Time   `json:"snapshot_generated_at,omitempty"`
	LastSuccess         *CycleInfo   `json:"last_success,omitempty"`
	LastFailure         *FailureInfo `json:"last_failure,omitempty"`
	FetchBreaker        string       `json:"fetch_breaker,omitempty"`
}

type Fetcher interface {
	Fetch(ctx context.Context) ([]records.RawRecord, error)
}

type Renderer interface {
	Render(summary *records.QualitySummary, recs []records.CleanRecord, excluded int) ([]byte, error)
}

type Store interface {
	InsertCycle(*models.Cycle) error
	SaveSnapshot(*models.SnapshotRow) error
	LatestSnapshot() (*models.SnapshotRow, error)
	LastSuccessfulCycle() (*models.Cycle, error)
}

type breakerReporter interface {
	BreakerState() circuitbreaker.State
}

type Config struct {
	Interval time.Duration
	Cutoff   time.Time
}

type Scheduler struct {
	fetcher     Fetcher
	transformer *transform.Transformer
	aggregator  *aggregate.Aggregator
	renderer    Renderer
	store       Store
	cutoff      time.Time
	interval    time.Duration

	// trigger has depth 1: a trigger during an in-flight cycle queues
	// exactly one follow-up run, further triggers are absorbed.
	trigger chan string
	stop    chan struct{}
	done    chan struct{}

	mu          sync.RWMutex
	state       State
	snapshot    *Snapshot
	lastSuccess *CycleInfo
	lastFailure *FailureInfo

	waitersMu sync.Mutex
	waiters   []chan CycleResult
}

func New(fetcher Fetcher, transformer *transform.Transformer, aggregator *aggregate.Aggregator, renderer Renderer, store Store, cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Scheduler{
		fetcher:     fetcher,
		transformer: transformer,
		aggregator:  aggregator,
		renderer:    renderer,
		store:       store,
		cutoff:      cfg.Cutoff,
		interval:    interval,
		trigger:     make(chan string, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

// Stop ends the run loop after any in-flight cycle completes.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Trigger(TriggerInterval)
		case kind := <-s.trigger:
			s.runCycle(kind)
		}
	}
}

// Trigger enqueues a refresh. It reports false when a run is already queued;
// that queued run satisfies this trigger too.
func (s *Scheduler) Trigger(kind string) bool {
	select {
	case s.trigger <- kind:
		return true
	default:
		return false
	}
}

// TriggerAndWait enqueues a refresh and blocks until the cycle that honors
// it completes. Waiters are collected by the next cycle to start, so a
// result always reflects a run begun at or after the trigger.
func (s *Scheduler) TriggerAndWait(ctx context.Context) (CycleResult, error) {
	ch := make(chan CycleResult, 1)

	s.waitersMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.waitersMu.Unlock()

	s.Trigger(TriggerManual)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

func (s *Scheduler) takeWaiters() []chan CycleResult {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	taken := s.waiters
	s.waiters = nil
	return taken
}

func (s *Scheduler) runCycle(trigger string) {
	waiters := s.takeWaiters()
	cycleID := uuid.New().String()
	started := time.Now().UTC()

	logger.Info("Refresh cycle started",
		zap.String("cycle_id", cycleID),
		zap.String("trigger", trigger),
	)

	counts, snap, err := s.pipeline(cycleID)

	finished := time.Now().UTC()
	duration := finished.Sub(started)

	result := CycleResult{CycleID: cycleID, Outcome: outcomeSuccess, Duration: duration}
	cycle := &models.Cycle{
		ID:            cycleID,
		Trigger:       trigger,
		Outcome:       outcomeSuccess,
		RawCount:      counts.Raw,
		CleanCount:    counts.Clean,
		DroppedCount:  counts.Dropped,
		FilteredCount: counts.Filtered,
		ExcludedCount: counts.Excluded,
		StartedAt:     started,
		FinishedAt:    finished,
		DurationMS:    duration.Milliseconds(),
	}

	if err != nil {
		reason := classify(err)
		result.Outcome = outcomeFailure
		result.Reason = reason
		cycle.Outcome = outcomeFailure
		cycle.Reason = reason

		s.recordFailure(cycleID, finished, reason)

		if fetchReason, ok := ona.Classify(err); ok {
			metrics.FetchFailures.WithLabelValues(string(fetchReason)).Inc()
		}

		logger.Error("Refresh cycle failed",
			zap.String("cycle_id", cycleID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else {
		info := &CycleInfo{
			CycleID:    cycleID,
			FinishedAt: finished,
			DurationMS: duration.Milliseconds(),
			Counts:     counts,
		}
		s.publish(snap, info)
		s.persistSnapshot(snap)

		logger.Info("Refresh cycle completed",
			zap.String("cycle_id", cycleID),
			zap.Int("filtered", counts.Filtered),
			zap.Int("excluded", counts.Excluded),
			zap.Duration("duration", duration),
		)
	}

	if err := s.store.InsertCycle(cycle); err != nil {
		logger.Warn("Failed to record cycle", zap.String("cycle_id", cycleID), zap.Error(err))
	}

	metrics.CyclesTotal.WithLabelValues(trigger, result.Outcome).Inc()
	metrics.CycleDuration.WithLabelValues(result.Outcome).Observe(duration.Seconds())

	for _, ch := range waiters {
		ch <- result
	}
}

func (s *Scheduler) pipeline(cycleID string) (Counts, *Snapshot, error) {
	var counts Counts

	defer s.setState(StateIdle)
	ctx := context.Background()

	s.setState(StateFetching)
	stage := time.Now()
	raw, err := s.fetcher.Fetch(ctx)
	metrics.StageDuration.WithLabelValues("fetch").Observe(time.Since(stage).Seconds())
	if err != nil {
		return counts, nil, err
	}
	counts.Raw = len(raw)
	metrics.RecordsFetched.Set(float64(len(raw)))

	s.setState(StateTransforming)
	stage = time.Now()
	res := s.transformer.Run(raw)
	metrics.StageDuration.WithLabelValues("transform").Observe(time.Since(stage).Seconds())
	counts.Clean = len(res.Records)
	counts.Dropped = res.Dropped
	metrics.TransformOutcomes.WithLabelValues("clean").Add(float64(len(res.Records) - res.Flagged))
	metrics.TransformOutcomes.WithLabelValues("flagged").Add(float64(res.Flagged))
	metrics.TransformOutcomes.WithLabelValues("dropped").Add(float64(res.Dropped))

	s.setState(StateFiltering)
	kept, excluded := filter.Apply(res.Records, s.cutoff)
	counts.Filtered = len(kept)
	counts.Excluded = excluded
	metrics.RecordsFiltered.Set(float64(len(kept)))
	metrics.RecordsExcluded.Set(float64(excluded))

	s.setState(StateAggregating)
	stage = time.Now()
	summary := s.aggregator.Summarize(kept)
	metrics.StageDuration.WithLabelValues("aggregate").Observe(time.Since(stage).Seconds())

	metrics.AnomaliesTotal.Reset()
	kinds := map[string]int{}
	for _, a := range summary.Anomalies {
		kinds[string(a.Kind)]++
	}
	for kind, n := range kinds {
		metrics.AnomaliesTotal.WithLabelValues(kind).Set(float64(n))
	}

	s.setState(StateRendering)
	stage = time.Now()
	html, err := s.renderer.Render(summary, kept, excluded)
	if err != nil {
		return counts, nil, fmt.Errorf("render page: %w", err)
	}
	workbook, err := export.Workbook(summary, kept)
	if err != nil {
		return counts, nil, fmt.Errorf("render export: %w", err)
	}
	metrics.StageDuration.WithLabelValues("render").Observe(time.Since(stage).Seconds())

	snap := &Snapshot{
		ID:            cycleID,
		GeneratedAt:   summary.GeneratedAt,
		HTML:          html,
		Export:        workbook,
		Summary:       summary,
		FilteredCount: len(kept),
		ExcludedCount: excluded,
	}

	return counts, snap, nil
}

func (s *Scheduler) publish(snap *Snapshot, info *CycleInfo) {
	s.mu.Lock()
	s.snapshot = snap
	s.lastSuccess = info
	s.mu.Unlock()

	metrics.SnapshotAge.Set(0)
}

func (s *Scheduler) recordFailure(cycleID string, at time.Time, reason string) {
	s.mu.Lock()
	s.lastFailure = &FailureInfo{CycleID: cycleID, FailedAt: at, Reason: reason}
	s.mu.Unlock()
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) persistSnapshot(snap *Snapshot) {
	summaryJSON, err := json.Marshal(snap.Summary)
	if err != nil {
		logger.Warn("Failed to encode summary for storage", zap.Error(err))
		return
	}

	row := &models.SnapshotRow{
		ID:            snap.ID,
		GeneratedAt:   snap.GeneratedAt,
		HTML:          snap.HTML,
		Export:        snap.Export,
		SummaryJSON:   summaryJSON,
		FilteredCount: snap.FilteredCount,
		ExcludedCount: snap.ExcludedCount,
	}
	if err := s.store.SaveSnapshot(row); err != nil {
		logger.Warn("Failed to persist snapshot", zap.String("snapshot_id", snap.ID), zap.Error(err))
	}
}

// Snapshot returns the last completed snapshot, or nil before the first
// successful cycle.
func (s *Scheduler) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{
		State:           s.state.String(),
		IntervalMinutes: int(s.interval / time.Minute),
		LastSuccess:     s.lastSuccess,
		LastFailure:     s.lastFailure,
	}
	var generatedAt time.Time
	if s.snapshot != nil {
		st.SnapshotID = s.snapshot.ID
		generatedAt = s.snapshot.GeneratedAt
		st.SnapshotGeneratedAt = &generatedAt
	}
	s.mu.RUnlock()

	if !generatedAt.IsZero() {
		metrics.SnapshotAge.Set(time.Since(generatedAt).Seconds())
	}
	if br, ok := s.fetcher.(breakerReporter); ok {
		st.FetchBreaker = br.BreakerState().String()
	}

	return st
}

// Restore seeds the snapshot and last-success marker from storage so a
// restarted process serves the previous dashboard until the next cycle.
func (s *Scheduler) Restore() error {
	row, err := s.store.LatestSnapshot()
	if err != nil {
		return err
	}
	if row != nil {
		var summary records.QualitySummary
		if err := json.Unmarshal(row.SummaryJSON, &summary); err != nil {
			return fmt.Errorf("decode stored summary: %w", err)
		}

		s.mu.Lock()
		s.snapshot = &Snapshot{
			ID:            row.ID,
			GeneratedAt:   row.GeneratedAt,
			HTML:          row.HTML,
			Export:        row.Export,
			Summary:       &summary,
			FilteredCount: row.FilteredCount,
			ExcludedCount: row.ExcludedCount,
		}
		s.mu.Unlock()

		logger.Info("Snapshot restored from storage",
			zap.String("snapshot_id", row.ID),
			zap.Time("generated_at", row.GeneratedAt),
		)
	}

	cycle, err := s.store.LastSuccessfulCycle()
	if err != nil {
		return err
	}
	if cycle != nil {
		s.mu.Lock()
		s.lastSuccess = &CycleInfo{
			CycleID:    cycle.ID,
			FinishedAt: cycle.FinishedAt,
			DurationMS: cycle.DurationMS,
			Counts: Counts{
				Raw:      cycle.RawCount,
				Clean:    cycle.CleanCount,
				Dropped:  cycle.DroppedCount,
				Filtered: cycle.FilteredCount,
				Excluded: cycle.ExcludedCount,
			},
		}
		s.mu.Unlock()
	}

	return nil
}

// classify reduces a cycle error to the short reason string exposed by the
// status and update endpoints.
func classify(err error) string {
	if reason, ok := ona.Classify(err); ok {
		return "fetch_error: " + string(reason)
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return "fetch_error: unavailable"
	}
	return "render_error"
}
