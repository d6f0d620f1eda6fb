package sqlite

import (
	"context"
	"database/sql"
	"slices"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/hazyhaar/gscload/dbopen"
	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

func setup(t *testing.T) (*Gateway, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	g := New(db, warehouse.AnalyticsTable("gsc_search_analytics"))
	if err := g.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return g, db
}

func row(day int, key string) warehouse.Row {
	return warehouse.Row{
		"date":       civil.Date{Year: 2025, Month: 9, Day: day},
		"query":      "hvac",
		"clicks":     int64(1),
		"ctr":        0.5,
		"unique_key": key,
	}
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	// WHAT: A second EnsureSchema is a no-op.
	// WHY: Every run calls it; two runs may race.
	g, _ := setup(t)
	if err := g.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestAppendAndExistingKeys(t *testing.T) {
	// WHAT: Appended keys are read back, scoped by date range.
	// WHY: Incremental runs load only keys of the queried range.
	g, _ := setup(t)
	ctx := context.Background()

	n, err := g.Append(ctx, []warehouse.Row{row(1, "k1"), row(2, "k2"), row(5, "k5")})
	if err != nil || n != 3 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}

	all, err := g.ExistingKeys(ctx, record.DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all keys: %v", all)
	}

	dr, _ := record.ParseRange("2025-09-01", "2025-09-02")
	scoped, err := g.ExistingKeys(ctx, dr)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(scoped)
	if !slices.Equal(scoped, []string{"k1", "k2"}) {
		t.Errorf("scoped keys: %v", scoped)
	}
}

func TestAppend_NullDimensions(t *testing.T) {
	// WHAT: Columns missing from a row are stored as NULL.
	// WHY: NULL marks dimensions the batch did not request.
	g, db := setup(t)
	if _, err := g.Append(context.Background(), []warehouse.Row{row(1, "k1")}); err != nil {
		t.Fatal(err)
	}
	var page sql.NullString
	var date string
	if err := db.QueryRow(`SELECT page, date FROM gsc_search_analytics`).Scan(&page, &date); err != nil {
		t.Fatal(err)
	}
	if page.Valid {
		t.Errorf("page: got %q, want NULL", page.String)
	}
	if date != "2025-09-01" {
		t.Errorf("date: got %q", date)
	}
}

func TestAppend_AllOrNothing(t *testing.T) {
	// WHAT: A row violating NOT NULL aborts the whole append.
	// WHY: A failed page must leave no partial rows behind.
	g, db := setup(t)
	bad := row(2, "k2")
	delete(bad, "unique_key")
	n, err := g.Append(context.Background(), []warehouse.Row{row(1, "k1"), bad})
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Errorf("committed: got %d, want 0", n)
	}
	var count int
	db.QueryRow(`SELECT COUNT(*) FROM gsc_search_analytics`).Scan(&count)
	if count != 0 {
		t.Errorf("rows after failed append: %d", count)
	}
}

func TestExistingKeys_MissingTable(t *testing.T) {
	// WHAT: Reading keys before the table exists returns an error.
	// WHY: warehouse.LoadExistingKeys turns it into an empty set.
	db := dbopen.OpenMemory(t)
	g := New(db, warehouse.AnalyticsTable("nope"))
	if _, err := g.ExistingKeys(context.Background(), record.DateRange{}); err == nil {
		t.Fatal("expected error")
	}
	if keys := warehouse.LoadExistingKeys(context.Background(), g, record.DateRange{}, nil); keys.Len() != 0 {
		t.Errorf("keys: %d", keys.Len())
	}
}

func TestOpen_RejectsBadName(t *testing.T) {
	// WHAT: Table names are restricted to plain identifiers.
	// WHY: Names are interpolated into SQL.
	if _, err := Open(t.TempDir()+"/w.db", warehouse.AnalyticsTable("x; DROP TABLE y")); err == nil {
		t.Fatal("expected error")
	}
}
