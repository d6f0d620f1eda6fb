package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/gscload/dbopen"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return NewLedger(db, nil)
}

func TestLedger_RunLifecycle(t *testing.T) {
	// WHAT: A started run is updated in place when it finishes.
	// WHY: /runs shows both in-flight and finished runs.
	l := newLedger(t)
	ctx := context.Background()
	start := time.Unix(1_757_000_000, 0)

	l.RunStarted(ctx, RunEntry{RunID: "run_1", SiteURL: "sc-domain:example.com", RangeStart: "2025-09-01", RangeEnd: "2025-09-02", StartedAt: start})
	runs, err := l.RecentRuns(ctx, 10)
	if err != nil || len(runs) != 1 || runs[0].Status != StatusRunning || runs[0].FinishedAt != nil {
		t.Fatalf("after start: %+v err=%v", runs, err)
	}

	end := start.Add(time.Minute)
	l.BatchFinished(ctx, BatchEntry{RunID: "run_1", Batch: "date_query", Pages: 2, Fetched: 30, New: 20, Inserted: 20, StartedAt: start, FinishedAt: end})
	l.BatchFinished(ctx, BatchEntry{RunID: "run_1", Batch: "date_page", Error: "fatal forbidden", StartedAt: start, FinishedAt: end})
	l.RunFinished(ctx, RunEntry{RunID: "run_1", Status: StatusPartial, Fetched: 30, New: 20, Inserted: 20, FailedBatches: 1, FinishedAt: &end})

	runs, _ = l.RecentRuns(ctx, 10)
	r := runs[0]
	if r.Status != StatusPartial || r.Inserted != 20 || r.FailedBatches != 1 || r.FinishedAt == nil || !r.FinishedAt.Equal(end) {
		t.Errorf("after finish: %+v", r)
	}
	batches, err := l.RunBatches(ctx, "run_1")
	if err != nil || len(batches) != 2 || batches[0].Batch != "date_query" || batches[1].Error == "" {
		t.Errorf("batches: %+v err=%v", batches, err)
	}

	got, err := l.Run(ctx, "run_1")
	if err != nil || got.Status != StatusPartial || got.SiteURL != "sc-domain:example.com" {
		t.Errorf("run: %+v err=%v", got, err)
	}
	if _, err := l.Run(ctx, "run_2"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("unknown run: got %v", err)
	}
}

func TestLedger_CheckBatch(t *testing.T) {
	// WHAT: A batch name is pinned to its first key-field fingerprint.
	// WHY: Editing a batch in place would re-insert every stored row.
	l := newLedger(t)
	ctx := context.Background()
	if err := l.CheckBatch(ctx, "date_query", "aaa", "date,query"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := l.CheckBatch(ctx, "date_query", "aaa", "date,query"); err != nil {
		t.Fatalf("same fingerprint: %v", err)
	}
	err := l.CheckBatch(ctx, "date_query", "bbb", "date,query,page")
	if !errors.Is(err, ErrBatchRedefined) {
		t.Fatalf("redefined: got %v", err)
	}
	if !strings.Contains(err.Error(), "date,query,page") {
		t.Errorf("message lacks new fields: %v", err)
	}
}

func TestLedger_FailuresDoNotPropagate(t *testing.T) {
	// WHAT: Writing to a ledger without schema logs and returns.
	// WHY: A broken ledger must never fail ingestion.
	db := dbopen.OpenMemory(t)
	l := NewLedger(db, nil)
	ctx := context.Background()
	l.RunStarted(ctx, RunEntry{RunID: "x", StartedAt: time.Now()})
	l.BatchFinished(ctx, BatchEntry{RunID: "x", Batch: "b"})
	if err := l.CheckBatch(ctx, "b", "f", "date"); err != nil {
		t.Errorf("CheckBatch on broken ledger: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	// WHAT: Runs older than the retention are removed with their batches.
	// WHY: serve mode runs daily for months.
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	l := NewLedger(db, nil)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)
	l.RunStarted(ctx, RunEntry{RunID: "old", StartedAt: old})
	l.BatchFinished(ctx, BatchEntry{RunID: "old", Batch: "b", StartedAt: old, FinishedAt: old})
	l.RunStarted(ctx, RunEntry{RunID: "new", StartedAt: time.Now()})

	n, err := Cleanup(ctx, db, 30)
	if err != nil || n != 1 {
		t.Fatalf("cleanup: n=%d err=%v", n, err)
	}
	runs, _ := l.RecentRuns(ctx, 10)
	if len(runs) != 1 || runs[0].RunID != "new" {
		t.Errorf("remaining: %+v", runs)
	}
}

func TestMetrics_Counters(t *testing.T) {
	// WHAT: Page, batch and run events move the matching collectors.
	// WHY: Alerting keys off inserted rows and failures.
	m := NewMetrics()
	m.PageFetched("date_query", 100)
	m.PageFetched("date_query", 40)
	m.PageRetried("date_query", "rate_limit")
	m.BatchDone("date_query", 30, 30, false)
	m.BatchDone("date_page", 0, 0, true)
	m.RunDone("analytics", StatusCompleted, 12, 1_757_000_000)

	if got := testutil.ToFloat64(m.fetched.WithLabelValues("date_query")); got != 140 {
		t.Errorf("fetched: %v", got)
	}
	if got := testutil.ToFloat64(m.pages.WithLabelValues("date_query")); got != 2 {
		t.Errorf("pages: %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("date_page")); got != 1 {
		t.Errorf("failures: %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunOK); got != 1_757_000_000 {
		t.Errorf("last success: %v", got)
	}
}

func TestMetrics_Push(t *testing.T) {
	// WHAT: Push sends the registry to the gateway under the job path.
	// WHY: One-shot cron runs have no scrape endpoint.
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics()
	m.PageFetched("date", 1)
	if err := m.Push(context.Background(), srv.URL, "gscload"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if path != "/metrics/job/gscload" {
		t.Errorf("path: %q", path)
	}
}
