package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/gscload/ingest"
)

func TestResolveRange(t *testing.T) {
	// WHAT: Explicit dates win; none means the window; one alone is invalid.
	// WHY: A half-specified range is almost always a typo.
	cfg := ingest.DefaultConfig()
	now := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

	dr, err := resolveRange(cfg, "2025-09-01", "2025-09-02", now)
	if err != nil || dr.String() != "2025-09-01..2025-09-02" {
		t.Errorf("explicit: %s %v", dr, err)
	}
	dr, err = resolveRange(cfg, "", "", now)
	if err != nil || dr.String() != "2025-09-05..2025-09-07" {
		t.Errorf("window: %s %v", dr, err)
	}
	if _, err := resolveRange(cfg, "2025-09-01", "", now); !errors.Is(err, ingest.ErrInvalidRange) {
		t.Errorf("half range: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	// WHAT: Level and format come from config.
	// WHY: Per-page progress is only visible at debug.
	var buf bytes.Buffer
	newLogger(&buf, "warn", "json").Info("hidden")
	newLogger(&buf, "debug", "text").Debug("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Errorf("output: %q", out)
	}
}

func TestPrintSummary(t *testing.T) {
	// WHAT: The summary lists each batch and the totals, with batch errors.
	// WHY: One-shot runs are read by humans in CI logs.
	sum := &ingest.RunSummary{
		RunID: "run_1",
		Batches: []ingest.BatchSummary{
			{Name: "date", Fetched: 2, New: 1, Inserted: 1},
			{Name: "date_query", Err: errors.New("forbidden")},
		},
		Totals: ingest.Totals{Fetched: 2, New: 1, Inserted: 1, FailedBatches: 1},
	}
	var buf bytes.Buffer
	printSummary(&buf, sum)
	out := buf.String()
	for _, want := range []string{"run_1", "partial", "error=forbidden", "failed_batches=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
