package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/survey-quality/dashboard/internal/aggregate"
	"github.com/survey-quality/dashboard/internal/ona"
	"github.com/survey-quality/dashboard/internal/records"
	"github.com/survey-quality/dashboard/internal/render"
	"github.com/survey-quality/dashboard/internal/storage/sqlite"
	"github.com/survey-quality/dashboard/internal/transform"
	"github.com/survey-quality/dashboard/pkg/circuitbreaker"
)

var testCutoff = time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *sqlite.Client {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "dashboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func testScheduler(t *testing.T, fetcher Fetcher, store Store) *Scheduler {
	t.Helper()

	transformer := transform.New(transform.Config{
		GeopointField:   "location",
		DurationField:   "duration",
		SubmittedField:  "_submission_time",
		DistrictField:   "district",
		EnumeratorField: "enumerator",
		RequiredFields:  []string{"district", "enumerator"},
	})
	aggregator := aggregate.New(aggregate.Config{
		MinDurationMinutes: 10,
		MaxDurationMinutes: 120,
		SupportThreshold:   0.5,
	})
	renderer := render.New(render.Config{
		MinDurationMinutes: 10,
		MaxDurationMinutes: 120,
		Cutoff:             testCutoff,
	})

	return New(fetcher, transformer, aggregator, renderer, store, Config{
		Interval: time.Hour,
		Cutoff:   testCutoff,
	})
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	s.Start()
	t.Cleanup(s.Stop)
}

func submission(ts, district, enumerator string, durationSeconds float64, geopoint string) records.RawRecord {
	return records.RawRecord{
		"_submission_time": ts,
		"district":         district,
		"enumerator":       enumerator,
		"duration":         durationSeconds,
		"location":         geopoint,
	}
}

func testSubmissions() []records.RawRecord {
	return []records.RawRecord{
		submission("2025-11-02T09:00:00Z", "Bosaso", "alpha", 5400, "11.2842 49.1816 0 5"),
		submission("2025-11-03T10:30:00Z", "Gabiley", "bravo", 1800, "9.7100 43.6300 0 5"),
		submission("2025-11-03T14:00:00Z", "Bosaso", "alpha", 4200, "11.2901 49.1755 0 5"),
		submission("2025-10-15T08:00:00Z", "Bosaso", "alpha", 3600, "11.2800 49.1800 0 5"),
	}
}

// fakeFetcher hands back a canned batch or error. An optional gate blocks
// Fetch until the gate channel is closed.
type fakeFetcher struct {
	mu    sync.Mutex
	raws  []records.RawRecord
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]records.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	raws, err, gate := f.raws, f.err, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return raws, err
}

func (f *fakeFetcher) set(raws []records.RawRecord, err error) {
	f.mu.Lock()
	f.raws, f.err = raws, err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func triggerAndWait(t *testing.T, s *Scheduler) CycleResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.TriggerAndWait(ctx)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	return res
}

func TestCycleSuccessPublishesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testSubmissions())
	}))
	t.Cleanup(srv.Close)

	store := testStore(t)
	fetcher := ona.NewClient(ona.Config{URL: srv.URL, Token: "secret"})
	sched := testScheduler(t, fetcher, store)
	startScheduler(t, sched)

	res := triggerAndWait(t, sched)
	if res.Outcome != "success" {
		t.Fatalf("outcome = %q (%s), want success", res.Outcome, res.Reason)
	}

	snap := sched.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after successful cycle")
	}
	if snap.ID != res.CycleID {
		t.Errorf("snapshot ID = %q, want cycle ID %q", snap.ID, res.CycleID)
	}
	if snap.FilteredCount != 3 || snap.ExcludedCount != 1 {
		t.Errorf("counts = %d filtered / %d excluded, want 3 / 1", snap.FilteredCount, snap.ExcludedCount)
	}
	if snap.Summary.TotalRecords != 3 {
		t.Errorf("summary total = %d, want 3", snap.Summary.TotalRecords)
	}
	if !bytes.Contains(snap.HTML, []byte("chart-districts")) {
		t.Error("dashboard HTML missing district chart")
	}
	if !bytes.HasPrefix(snap.Export, []byte("PK")) {
		t.Error("export is not a zip-based workbook")
	}

	status := sched.Status()
	if status.State != "idle" {
		t.Errorf("state = %q, want idle", status.State)
	}
	if status.SnapshotID != snap.ID {
		t.Errorf("status snapshot ID = %q, want %q", status.SnapshotID, snap.ID)
	}
	if status.LastSuccess == nil {
		t.Fatal("no last success in status")
	}
	want := Counts{Raw: 4, Clean: 4, Dropped: 0, Filtered: 3, Excluded: 1}
	if status.LastSuccess.Counts != want {
		t.Errorf("counts = %+v, want %+v", status.LastSuccess.Counts, want)
	}
	if status.FetchBreaker != "closed" {
		t.Errorf("fetch breaker = %q, want closed", status.FetchBreaker)
	}

	cycles, err := store.RecentCycles(5)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("stored cycles = %d, want 1", len(cycles))
	}
	if cycles[0].Trigger != "manual" || cycles[0].Outcome != "success" {
		t.Errorf("stored cycle = %s/%s, want manual/success", cycles[0].Trigger, cycles[0].Outcome)
	}
	if cycles[0].FilteredCount != 3 || cycles[0].ExcludedCount != 1 {
		t.Errorf("stored counts = %d/%d, want 3/1", cycles[0].FilteredCount, cycles[0].ExcludedCount)
	}
}

func TestCycleFailureKeepsPreviousSnapshot(t *testing.T) {
	store := testStore(t)
	fetcher := &fakeFetcher{raws: testSubmissions()}
	sched := testScheduler(t, fetcher, store)
	startScheduler(t, sched)

	first := triggerAndWait(t, sched)
	if first.Outcome != "success" {
		t.Fatalf("first cycle = %q, want success", first.Outcome)
	}
	before := sched.Snapshot()

	fetcher.set(nil, &ona.FetchError{Reason: ona.ReasonAuth, Status: 401, Err: errors.New("token rejected")})

	second := triggerAndWait(t, sched)
	if second.Outcome != "failure" {
		t.Fatalf("second cycle = %q, want failure", second.Outcome)
	}
	if second.Reason != "fetch_error: auth" {
		t.Errorf("reason = %q, want fetch_error: auth", second.Reason)
	}

	after := sched.Snapshot()
	if after == nil || after.ID != before.ID {
		t.Error("failed cycle replaced the published snapshot")
	}

	status := sched.Status()
	if status.LastFailure == nil || status.LastFailure.Reason != "fetch_error: auth" {
		t.Errorf("last failure = %+v, want fetch_error: auth", status.LastFailure)
	}
	if status.LastSuccess == nil || status.LastSuccess.CycleID != first.CycleID {
		t.Error("last success overwritten by failed cycle")
	}

	cycles, err := store.RecentCycles(5)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("stored cycles = %d, want 2", len(cycles))
	}
	if cycles[0].Outcome != "failure" || cycles[0].Reason != "fetch_error: auth" {
		t.Errorf("newest cycle = %s (%s), want failure (fetch_error: auth)", cycles[0].Outcome, cycles[0].Reason)
	}
}

func TestTriggersDuringCycleCoalesce(t *testing.T) {
	store := testStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{raws: testSubmissions(), gate: gate}
	sched := testScheduler(t, fetcher, store)
	startScheduler(t, sched)

	done := make(chan CycleResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, _ := sched.TriggerAndWait(ctx)
		done <- res
	}()

	waitFor(t, 2*time.Second, "first cycle to start", func() bool {
		return fetcher.callCount() == 1
	})

	// Two manual triggers land while the first cycle is still fetching.
	// The first queues a follow-up run, the second is absorbed by it.
	if !sched.Trigger("manual") {
		t.Error("first in-flight trigger should queue a run")
	}
	if sched.Trigger("manual") {
		t.Error("second in-flight trigger should coalesce into the queued run")
	}

	close(gate)

	res := <-done
	if res.Outcome != "success" {
		t.Fatalf("first cycle = %q, want success", res.Outcome)
	}

	waitFor(t, 2*time.Second, "queued cycle to be recorded", func() bool {
		cycles, err := store.RecentCycles(10)
		return err == nil && len(cycles) == 2
	})

	// Give a third run time to start if one were queued.
	time.Sleep(50 * time.Millisecond)
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("cycles run = %d, want exactly 2", got)
	}
	cycles, err := store.RecentCycles(10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Errorf("stored cycles = %d, want 2", len(cycles))
	}
}

func TestTriggerAndWaitHonorsContext(t *testing.T) {
	store := testStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{raws: testSubmissions(), gate: gate}
	sched := testScheduler(t, fetcher, store)
	startScheduler(t, sched)
	t.Cleanup(func() { close(gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sched.TriggerAndWait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestAllRecordsBeforeCutoffRendersPlaceholder(t *testing.T) {
	raws := make([]records.RawRecord, 0, 65)
	for i := 0; i < 65; i++ {
		ts := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
		raws = append(raws, submission(ts.Format(time.RFC3339), "Bosaso", "alpha", 3600, "11.28 49.18 0 5"))
	}

	store := testStore(t)
	fetcher := &fakeFetcher{raws: raws}
	sched := testScheduler(t, fetcher, store)
	startScheduler(t, sched)

	res := triggerAndWait(t, sched)
	if res.Outcome != "success" {
		t.Fatalf("outcome = %q, want success", res.Outcome)
	}

	snap := sched.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot")
	}
	if snap.FilteredCount != 0 || snap.ExcludedCount != 65 {
		t.Fatalf("counts = %d/%d, want 0 filtered / 65 excluded", snap.FilteredCount, snap.ExcludedCount)
	}
	if !bytes.Contains(snap.HTML, []byte("65 records filtered, 0 remaining")) {
		t.Error("placeholder missing the filtered count line")
	}
	if !bytes.Contains(snap.HTML, []byte("Waiting for data")) {
		t.Error("placeholder missing waiting status")
	}
	if len(snap.Export) == 0 {
		t.Error("empty export for placeholder snapshot")
	}
}

func TestRestoreSeedsSnapshotFromStorage(t *testing.T) {
	store := testStore(t)

	first := testScheduler(t, &fakeFetcher{raws: testSubmissions()}, store)
	first.Start()
	res := triggerAndWait(t, first)
	if res.Outcome != "success" {
		t.Fatalf("seed cycle = %q, want success", res.Outcome)
	}
	want := first.Snapshot()
	first.Stop()

	restored := testScheduler(t, &fakeFetcher{}, store)
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	snap := restored.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after restore")
	}
	if snap.ID != want.ID {
		t.Errorf("restored ID = %q, want %q", snap.ID, want.ID)
	}
	if !bytes.Equal(snap.HTML, want.HTML) {
		t.Error("restored HTML differs from stored snapshot")
	}
	if snap.Summary == nil || snap.Summary.TotalRecords != 3 {
		t.Error("restored summary not decoded")
	}

	status := restored.Status()
	if status.LastSuccess == nil || status.LastSuccess.CycleID != res.CycleID {
		t.Errorf("restored last success = %+v, want cycle %s", status.LastSuccess, res.CycleID)
	}
}

func TestRestoreWithEmptyStorage(t *testing.T) {
	sched := testScheduler(t, &fakeFetcher{}, testStore(t))
	if err := sched.Restore(); err != nil {
		t.Fatalf("Restore on empty store: %v", err)
	}
	if sched.Snapshot() != nil {
		t.Error("snapshot present after restoring empty store")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"auth", &ona.FetchError{Reason: ona.ReasonAuth}, "fetch_error: auth"},
		{"network wrapped", fmt.Errorf("fetch: %w", &ona.FetchError{Reason: ona.ReasonNetwork}), "fetch_error: network"},
		{"breaker open", circuitbreaker.ErrCircuitOpen, "fetch_error: unavailable"},
		{"render", errors.New("template boom"), "render_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Errorf("classify = %q, want %q", got, tc.want)
			}
		})
	}
}
