package bq

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"

	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

func TestSchema(t *testing.T) {
	// WHAT: Column types map to BigQuery field types.
	// WHY: The table is created from this schema.
	s := Schema(warehouse.AnalyticsTable("t"))
	byName := map[string]*bigquery.FieldSchema{}
	for _, f := range s {
		byName[f.Name] = f
	}
	checks := map[string]bigquery.FieldType{
		"date":        bigquery.DateFieldType,
		"query":       bigquery.StringFieldType,
		"clicks":      bigquery.IntegerFieldType,
		"position":    bigquery.FloatFieldType,
		"unique_key":  bigquery.StringFieldType,
		"search_type": bigquery.StringFieldType,
	}
	for name, want := range checks {
		f, ok := byName[name]
		if !ok {
			t.Errorf("missing field %s", name)
			continue
		}
		if f.Type != want {
			t.Errorf("%s: type %s, want %s", name, f.Type, want)
		}
	}
	if !byName["unique_key"].Required || byName["query"].Required {
		t.Error("required flags")
	}
}

func TestMetadata_ClusteringAndPartitioning(t *testing.T) {
	// WHAT: The analytics table is clustered on date, query and partitioned by date.
	// WHY: Key reads are range-scoped on date.
	md := Metadata(warehouse.AnalyticsTable("t"))
	if md.Clustering == nil || len(md.Clustering.Fields) != 2 || md.Clustering.Fields[0] != "date" {
		t.Errorf("clustering: %+v", md.Clustering)
	}
	if md.TimePartitioning == nil || md.TimePartitioning.Field != "date" {
		t.Errorf("partitioning: %+v", md.TimePartitioning)
	}
}

func TestEncodeNDJSON(t *testing.T) {
	// WHAT: One JSON object per line; NULLs and undeclared columns are dropped.
	// WHY: The load job rejects unknown fields.
	rows := []warehouse.Row{
		{"date": civil.Date{Year: 2025, Month: 9, Day: 1}, "query": "hvac", "clicks": int64(3), "unique_key": "k1", "bogus": 1},
		{"date": civil.Date{Year: 2025, Month: 9, Day: 2}, "page": nil, "unique_key": "k2"},
	}
	body, err := EncodeNDJSON(warehouse.AnalyticsTable("t"), rows)
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("lines: %d", len(lines))
	}
	if lines[0]["date"] != "2025-09-01" || lines[0]["query"] != "hvac" {
		t.Errorf("line 0: %v", lines[0])
	}
	if _, ok := lines[0]["bogus"]; ok {
		t.Error("undeclared column encoded")
	}
	if _, ok := lines[1]["page"]; ok {
		t.Error("nil column encoded")
	}
}

func TestHasStatus(t *testing.T) {
	// WHAT: A wrapped 409 counts as "already exists".
	// WHY: Concurrent EnsureSchema calls must both succeed.
	err := fmt.Errorf("create: %w", &googleapi.Error{Code: http.StatusConflict})
	if !hasStatus(err, http.StatusConflict) {
		t.Error("409 not detected")
	}
	if hasStatus(&googleapi.Error{Code: 403}, http.StatusConflict) {
		t.Error("403 treated as conflict")
	}
}
