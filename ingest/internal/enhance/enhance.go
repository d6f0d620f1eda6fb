// Package enhance parses rich-result enhancement exports downloaded from
// Search Console. Exports are laid out as
//
//	<dir>/<enhancement_type>/*.xlsx
//
// where the folder name is the enhancement type.
package enhance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/gscload/ingest/internal/identity"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// ErrMissingColumns is returned for a sheet lacking a required column.
var ErrMissingColumns = errors.New("enhance: required columns missing")

// KeyFields are the identity key fields of an item, in key order.
var KeyFields = []string{"url", "item_name", "last_crawled", "enhancement_type"}

var required = []string{"url", "item_name", "last_crawled"}

// PreferredSheet holds the per-item table in current exports.
const PreferredSheet = "Table sheet"

var skippedSheets = map[string]bool{"Chart": true, "Metadata": true}

// Item is one row of an enhancement table.
type Item struct {
	Type        string
	URL         string
	ItemName    string
	LastCrawled string // as exported; see Date
	Status      string
	Issue       string
	SourceFile  string
	Attributes  map[string]string
	Key         string
}

// Fields returns the key fields of it. last_crawled is the parsed date when
// it parses, so a serial and a formatted cell give the same key.
func (it Item) Fields() map[string]any {
	var crawled any = it.LastCrawled
	if d, ok := it.Date(); ok {
		crawled = d
	}
	return map[string]any{
		"url":              it.URL,
		"item_name":        it.ItemName,
		"last_crawled":     crawled,
		"enhancement_type": it.Type,
	}
}

// Fingerprint identifies the key space of enhancement items.
func Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(KeyFields, ",")))
	return hex.EncodeToString(sum[:8])
}

// Date parses LastCrawled. Exports carry ISO dates, "Jan 2, 2006" dates, or
// raw spreadsheet serials.
func (it Item) Date() (civil.Date, bool) {
	if d, err := civil.ParseDate(identity.Normalize("last_crawled", it.LastCrawled)); err == nil {
		return d, true
	}
	if serial, err := strconv.ParseFloat(strings.TrimSpace(it.LastCrawled), 64); err == nil {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return civil.DateOf(t), true
		}
	}
	return civil.Date{}, false
}

// Row converts it for warehouse.EnhancementsTable.
func (it Item) Row() warehouse.Row {
	row := warehouse.Row{
		"enhancement_type": it.Type,
		"url":              it.URL,
		"item_name":        it.ItemName,
		"source_file":      it.SourceFile,
		"unique_key":       it.Key,
	}
	if d, ok := it.Date(); ok {
		row["last_crawled"] = d
	}
	if it.Status != "" {
		row["status"] = it.Status
	}
	if it.Issue != "" {
		row["issue"] = it.Issue
	}
	if len(it.Attributes) > 0 {
		if b, err := json.Marshal(it.Attributes); err == nil {
			row["attributes"] = string(b)
		}
	}
	return row
}

// NormalizeHeader lower-cases h and joins its words with underscores.
func NormalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(h)), "_")
}

// PickSheet returns the sheet holding items, or "" if there is none.
func PickSheet(sheets []string) string {
	for _, s := range sheets {
		if s == PreferredSheet {
			return s
		}
	}
	for _, s := range sheets {
		if !skippedSheets[s] {
			return s
		}
	}
	return ""
}

// ReadFile parses one workbook. Items carry no Key yet.
func ReadFile(path, enhancementType string) ([]Item, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("enhance: open %s: %w", path, err)
	}
	defer f.Close()

	sheet := PickSheet(f.GetSheetList())
	if sheet == "" {
		return nil, nil
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("enhance: read %s/%s: %w", path, sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(rows[0]))
	idx := map[string]int{}
	for i, h := range rows[0] {
		header[i] = NormalizeHeader(h)
		if _, dup := idx[header[i]]; !dup {
			idx[header[i]] = i
		}
	}
	var missing []string
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrMissingColumns, strings.Join(missing, ","), path)
	}

	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	source := filepath.Base(path)
	var items []Item
	for _, row := range rows[1:] {
		it := Item{
			Type:        enhancementType,
			URL:         cell(row, "url"),
			ItemName:    cell(row, "item_name"),
			LastCrawled: cell(row, "last_crawled"),
			Status:      cell(row, "status"),
			Issue:       cell(row, "issue"),
			SourceFile:  source,
		}
		if it.URL == "" && it.ItemName == "" && it.LastCrawled == "" {
			continue
		}
		for i, h := range header {
			switch h {
			case "", "url", "item_name", "last_crawled", "status", "issue", "enhancement_type":
				continue
			}
			if i < len(row) && strings.TrimSpace(row[i]) != "" {
				if it.Attributes == nil {
					it.Attributes = map[string]string{}
				}
				it.Attributes[h] = strings.TrimSpace(row[i])
			}
		}
		items = append(items, it)
	}
	return items, nil
}

// ReadDir parses every workbook under dir. A file that cannot be parsed
// is logged and skipped.
func ReadDir(dir string, logger *slog.Logger) ([]Item, error) {
	if logger == nil {
		logger = slog.Default()
	}
	types, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("enhance: read dir: %w", err)
	}

	var items []Item
	for _, t := range types {
		if !t.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, t.Name(), "*.xlsx"))
		if err != nil {
			return nil, fmt.Errorf("enhance: glob %s: %w", t.Name(), err)
		}
		sort.Strings(files)
		for _, path := range files {
			if strings.HasPrefix(filepath.Base(path), "~$") {
				continue
			}
			got, err := ReadFile(path, t.Name())
			if err != nil {
				logger.Warn("enhance: file skipped", "file", path, "error", err)
				continue
			}
			logger.Debug("enhance: file parsed", "file", path, "type", t.Name(), "items", len(got))
			items = append(items, got...)
		}
	}
	return items, nil
}
