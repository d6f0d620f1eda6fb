package warehouse

import (
	"cloud.google.com/go/civil"

	"github.com/hazyhaar/gscload/ingest/internal/plan"
	"github.com/hazyhaar/gscload/ingest/internal/record"
)

// AnalyticsTable is the search analytics destination. Rows from every batch
// share it; dimensions a batch did not request are NULL.
func AnalyticsTable(name string) Table {
	return Table{
		Name: name,
		Columns: []Column{
			{Name: "date", Type: Date, Required: true},
			{Name: "query", Type: String},
			{Name: "page", Type: String},
			{Name: "country", Type: String},
			{Name: "country_name", Type: String},
			{Name: "device", Type: String},
			{Name: "search_appearance", Type: String},
			{Name: "clicks", Type: Integer},
			{Name: "impressions", Type: Integer},
			{Name: "ctr", Type: Float},
			{Name: "position", Type: Float},
			{Name: "search_type", Type: String},
			{Name: "batch", Type: String},
			{Name: "unique_key", Type: String, Required: true},
		},
		KeyColumn:  "unique_key",
		DateColumn: "date",
		Clustering: []string{"date", "query"},
	}
}

// EnhancementsTable holds rows parsed from rich-result enhancement exports.
func EnhancementsTable(name string) Table {
	return Table{
		Name: name,
		Columns: []Column{
			{Name: "enhancement_type", Type: String, Required: true},
			{Name: "url", Type: String},
			{Name: "item_name", Type: String},
			{Name: "last_crawled", Type: Date},
			{Name: "status", Type: String},
			{Name: "issue", Type: String},
			{Name: "source_file", Type: String},
			{Name: "attributes", Type: String},
			{Name: "unique_key", Type: String, Required: true},
		},
		KeyColumn:  "unique_key",
		DateColumn: "last_crawled",
		Clustering: []string{"enhancement_type", "last_crawled"},
	}
}

var dimensionColumns = []string{"query", "page", "country", "device", "search_appearance"}

// AnalyticsRow converts a keyed record produced by batch b.
func AnalyticsRow(r record.Record, b plan.Batch, searchType, countryName string) Row {
	row := Row{
		"clicks":      r.Clicks,
		"impressions": r.Impressions,
		"ctr":         r.CTR,
		"position":    r.Position,
		"search_type": searchType,
		"batch":       b.Name,
		"unique_key":  r.Key,
	}
	if d, err := civil.ParseDate(r.Fields["date"]); err == nil {
		row["date"] = d
	}
	for _, col := range dimensionColumns {
		if v, ok := r.Get(col); ok {
			row[col] = v
		}
	}
	if _, ok := r.Get("country"); ok && countryName != "" {
		row["country_name"] = countryName
	}
	return row
}
