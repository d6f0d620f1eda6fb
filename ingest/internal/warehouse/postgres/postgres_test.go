package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

func TestDDL(t *testing.T) {
	// WHAT: DDL creates the schema, the table and both indexes idempotently.
	// WHY: EnsureSchema runs on every invocation.
	stmts := DDL("gsc", warehouse.AnalyticsTable("search_analytics"))
	if len(stmts) != 4 {
		t.Fatalf("statements: %d", len(stmts))
	}
	for _, s := range stmts {
		if !strings.Contains(s, "IF NOT EXISTS") {
			t.Errorf("not idempotent: %s", s)
		}
	}
	table := stmts[1]
	for _, want := range []string{`"gsc"."search_analytics"`, `"date" DATE NOT NULL`, `"clicks" BIGINT`, `"ctr" DOUBLE PRECISION`, `"unique_key" TEXT NOT NULL`} {
		if !strings.Contains(table, want) {
			t.Errorf("table DDL missing %q:\n%s", want, table)
		}
	}
}

func TestDDL_NoSchema(t *testing.T) {
	// WHAT: An empty schema skips CREATE SCHEMA and leaves names unqualified.
	// WHY: Some deployments rely on search_path.
	stmts := DDL("", warehouse.EnhancementsTable("enh"))
	if strings.Contains(stmts[0], "SCHEMA") || !strings.Contains(stmts[0], `TABLE IF NOT EXISTS "enh"`) {
		t.Errorf("first statement: %s", stmts[0])
	}
}

func TestAlreadyExists(t *testing.T) {
	// WHAT: Duplicate-object SQLSTATEs count as success.
	// WHY: Two runs creating the table at once must both proceed.
	for _, code := range []string{"42P07", "42P06", "42710", "23505"} {
		if !alreadyExists(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: code})) {
			t.Errorf("code %s not tolerated", code)
		}
	}
	if alreadyExists(&pgconn.PgError{Code: "42501"}) {
		t.Error("insufficient_privilege tolerated")
	}
	if alreadyExists(errors.New("x")) {
		t.Error("plain error tolerated")
	}
}

func TestCopyRows(t *testing.T) {
	// WHAT: Rows are laid out in column order with NULLs for missing columns.
	// WHY: CopyFrom is positional.
	cols := []string{"date", "query", "clicks"}
	out := CopyRows(cols, []warehouse.Row{{"date": civil.Date{Year: 2025, Month: 9, Day: 1}, "clicks": int64(4)}})
	if len(out) != 1 || len(out[0]) != 3 {
		t.Fatalf("shape: %v", out)
	}
	d, ok := out[0][0].(time.Time)
	if !ok || d.Format("2006-01-02") != "2025-09-01" {
		t.Errorf("date: %#v", out[0][0])
	}
	if out[0][1] != nil {
		t.Errorf("query: %#v, want nil", out[0][1])
	}
	if out[0][2] != int64(4) {
		t.Errorf("clicks: %#v", out[0][2])
	}
}

func TestGateway_Live(t *testing.T) {
	// WHAT: Full round trip against a real server.
	// WHY: CopyFrom and DDL only prove out against PostgreSQL itself.
	dsn := os.Getenv("GSCLOAD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GSCLOAD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := warehouse.AnalyticsTable(fmt.Sprintf("t_%d", time.Now().UnixNano()))
	g, err := Open(ctx, dsn, "gscload_test", table)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	defer g.pool.Exec(ctx, "DROP TABLE IF EXISTS "+g.qualified())

	if err := g.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.EnsureSchema(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	n, err := g.Append(ctx, []warehouse.Row{{"date": civil.Date{Year: 2025, Month: 9, Day: 1}, "unique_key": "k1"}})
	if err != nil || n != 1 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	dr, _ := record.ParseRange("2025-09-01", "2025-09-01")
	keys, err := g.ExistingKeys(ctx, dr)
	if err != nil || len(keys) != 1 || keys[0] != "k1" {
		t.Fatalf("keys: %v err=%v", keys, err)
	}
}
