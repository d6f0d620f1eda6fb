package dump

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

func sampleRows() []warehouse.Row {
	return []warehouse.Row{
		{"date": civil.Date{Year: 2025, Month: 9, Day: 1}, "query": "hvac", "clicks": int64(10), "impressions": int64(100), "ctr": 0.1, "position": 5.0, "batch": "date_query", "search_type": "web", "unique_key": "k1"},
		{"date": civil.Date{Year: 2025, Month: 9, Day: 2}, "query": "boiler", "clicks": int64(1), "batch": "date_query", "search_type": "web", "unique_key": "k2"},
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	// WHAT: Written rows read back with the same values and NULLs.
	// WHY: Operators inspect dumps before a non-debug run.
	d, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	file, err := d.Write(context.Background(), "run_1", "date_query", sampleRows())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(file) != "date_query.parquet" || filepath.Base(filepath.Dir(file)) != "run_1" {
		t.Errorf("path: %s", file)
	}

	fr, err := local.NewLocalFileReader(file)
	if err != nil {
		t.Fatal(err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pr.ReadStop()
	n := int(pr.GetNumRows())
	if n != 2 {
		t.Fatalf("rows: %d", n)
	}
	got := make([]Row, n)
	if err := pr.Read(&got); err != nil {
		t.Fatal(err)
	}
	if got[0].Date != "2025-09-01" || got[0].Query == nil || *got[0].Query != "hvac" || got[0].Clicks != 10 {
		t.Errorf("row 0: %+v", got[0])
	}
	if got[1].Page != nil {
		t.Errorf("row 1 page: %v, want nil", *got[1].Page)
	}
}

func TestWrite_UploadsToS3(t *testing.T) {
	// WHAT: With a bucket set, the file is PUT under prefix/run/batch.parquet.
	// WHY: Archived dumps outlive the worker's disk.
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := newDumper(Config{Dir: t.TempDir(), S3Bucket: "dumps", S3Prefix: "gsc", S3Endpoint: srv.URL},
		nil, credentials.NewStaticCredentials("id", "secret", ""))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write(context.Background(), "run_1", "date", sampleRows()); err != nil {
		t.Fatalf("write: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "PUT /dumps/gsc/run_1/date.parquet" {
		t.Errorf("requests: %v", paths)
	}
}

func TestNew_RequiresDir(t *testing.T) {
	// WHAT: A Dumper without a directory is a config error.
	// WHY: Parquet files are always staged locally first.
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error")
	}
}
