package enhance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/gscload/ingest/internal/identity"
)

func writeWorkbook(t *testing.T, path string, sheets map[string][][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for name, rows := range sheets {
		if _, err := f.NewSheet(name); err != nil {
			t.Fatal(err)
		}
		for i, r := range rows {
			cell, _ := excelize.CoordinatesToCellName(1, i+1)
			if err := f.SetSheetRow(name, cell, &r); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
}

func TestPickSheet(t *testing.T) {
	// WHAT: "Table sheet" wins; otherwise the first non-chart, non-metadata sheet.
	// WHY: Older exports have a single unnamed sheet.
	tests := []struct {
		sheets []string
		want   string
	}{
		{[]string{"Chart", "Table sheet", "Metadata"}, "Table sheet"},
		{[]string{"Chart", "Metadata", "Sheet1"}, "Sheet1"},
		{[]string{"Chart", "Metadata"}, ""},
	}
	for _, tt := range tests {
		if got := PickSheet(tt.sheets); got != tt.want {
			t.Errorf("PickSheet(%v) = %q, want %q", tt.sheets, got, tt.want)
		}
	}
}

func TestNormalizeHeader(t *testing.T) {
	// WHAT: Headers are trimmed, lower-cased, and underscored.
	// WHY: Exports say "Last crawled"; the schema says last_crawled.
	if got := NormalizeHeader("  Last   crawled "); got != "last_crawled" {
		t.Errorf("got %q", got)
	}
}

func TestReadDir(t *testing.T) {
	// WHAT: Items are read from the table sheet, typed by folder, with extras as attributes.
	// WHY: The folder name is the only place the enhancement type appears.
	dir := t.TempDir()
	writeWorkbook(t, filepath.Join(dir, "breadcrumbs", "export.xlsx"), map[string][][]any{
		"Chart": {{"Date", "Valid"}, {"2025-09-01", 10}},
		"Table sheet": {
			{"URL", "Item name", "Last crawled", "Status", "Severity"},
			{"https://example.com/a", "Crumb", "2025-09-01", "Valid", "low"},
			{"", "", "", "", ""},
			{"https://example.com/b", "Crumb", "Sep 2, 2025", "Invalid", ""},
		},
	})
	writeWorkbook(t, filepath.Join(dir, "faq", "broken.xlsx"), map[string][][]any{
		"Table sheet": {{"URL", "Status"}, {"https://example.com/c", "Valid"}},
	})
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := ReadDir(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	a := items[0]
	if a.Type != "breadcrumbs" || a.URL != "https://example.com/a" || a.Status != "Valid" || a.SourceFile != "export.xlsx" {
		t.Errorf("item: %+v", a)
	}
	if a.Attributes["severity"] != "low" {
		t.Errorf("attributes: %v", a.Attributes)
	}
	if items[1].Attributes != nil {
		t.Errorf("empty extras kept: %v", items[1].Attributes)
	}
	if d, ok := items[1].Date(); !ok || d != (civil.Date{Year: 2025, Month: 9, Day: 2}) {
		t.Errorf("date = %v %v", d, ok)
	}
}

func TestReadFile_MissingColumns(t *testing.T) {
	// WHAT: A sheet without url, item_name, or last_crawled is rejected.
	// WHY: Keys over missing columns would collapse distinct items.
	path := filepath.Join(t.TempDir(), "x.xlsx")
	writeWorkbook(t, path, map[string][][]any{"Table sheet": {{"URL"}, {"https://example.com"}}})
	if _, err := ReadFile(path, "faq"); !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("err = %v", err)
	}
}

func TestItem_DateSerial(t *testing.T) {
	// WHAT: Raw spreadsheet serials are converted to dates.
	// WHY: Cells formatted as numbers come back unformatted.
	it := Item{LastCrawled: "45901"}
	d, ok := it.Date()
	if !ok || d != (civil.Date{Year: 2025, Month: 9, Day: 1}) {
		t.Errorf("date = %v %v", d, ok)
	}
}

func TestItem_FieldsCanonicalDate(t *testing.T) {
	// WHAT: A serial cell and an ISO cell for the same day hash to one key.
	// WHY: Exports differ in cell formatting; the item must still dedupe.
	serial := Item{Type: "faq", URL: "https://example.com/a", ItemName: "Q", LastCrawled: "45901"}
	iso := serial
	iso.LastCrawled = "2025-09-01"
	text := serial
	text.LastCrawled = "Sep 1, 2025"
	a := identity.Key(serial.Fields(), KeyFields)
	if b := identity.Key(iso.Fields(), KeyFields); a != b {
		t.Errorf("serial key %s != iso key %s", a, b)
	}
	if c := identity.Key(text.Fields(), KeyFields); a != c {
		t.Errorf("serial key %s != text key %s", a, c)
	}
}

func TestItem_Row(t *testing.T) {
	// WHAT: Rows carry a parsed date, JSON attributes, and NULL for blanks.
	// WHY: The warehouse column types are DATE and JSON text.
	it := Item{Type: "faq", URL: "u", ItemName: "n", LastCrawled: "2025-09-01", Attributes: map[string]string{"k": "v"}, Key: "abc"}
	row := it.Row()
	if row["last_crawled"] != (civil.Date{Year: 2025, Month: 9, Day: 1}) {
		t.Errorf("last_crawled = %v", row["last_crawled"])
	}
	if row["attributes"] != `{"k":"v"}` {
		t.Errorf("attributes = %v", row["attributes"])
	}
	if _, ok := row["status"]; ok {
		t.Error("blank status should be NULL")
	}
}
