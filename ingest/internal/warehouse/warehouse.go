// Package warehouse describes destination tables and the gateway contract
// shared by the BigQuery, Postgres and SQLite backends.
//
// Gateways are append-only: nothing here updates or deletes rows.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/hazyhaar/gscload/ingest/internal/dedup"
	"github.com/hazyhaar/gscload/ingest/internal/record"
)

// ColumnType is a warehouse-neutral column type.
type ColumnType string

const (
	Date    ColumnType = "DATE"
	String  ColumnType = "STRING"
	Integer ColumnType = "INTEGER"
	Float   ColumnType = "FLOAT"
)

// Column is one destination column.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool
}

// Table describes a destination table.
type Table struct {
	Name    string
	Columns []Column
	// KeyColumn holds the identity key.
	KeyColumn string
	// DateColumn scopes ExistingKeys; empty means keys are always read in full.
	DateColumn string
	Clustering []string
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Has reports whether the table declares column name.
func (t Table) Has(name string) bool {
	return slices.ContainsFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// Row maps column names to values. Missing or nil values are NULL.
// Date values are civil.Date, Integer int64, Float float64, String string.
type Row map[string]any

// Gateway is one destination table in one warehouse.
type Gateway interface {
	// EnsureSchema creates the table if absent. Concurrent callers both succeed.
	EnsureSchema(ctx context.Context) error
	// ExistingKeys returns the stored identity keys within dr; a zero dr
	// means all rows.
	ExistingKeys(ctx context.Context, dr record.DateRange) ([]string, error)
	// Append bulk-loads rows atomically and returns the number committed.
	Append(ctx context.Context, rows []Row) (int, error)
	Close() error
}

// LoadExistingKeys reads the stored keys into a fresh set. A read failure
// yields an empty set: the run goes on and risks a duplicate rather than
// stalling on a transient error.
func LoadExistingKeys(ctx context.Context, gw Gateway, dr record.DateRange, logger *slog.Logger) *dedup.KeySet {
	if logger == nil {
		logger = slog.Default()
	}
	keys, err := gw.ExistingKeys(ctx, dr)
	if err != nil {
		logger.Warn("warehouse: existing keys unavailable, assuming none", "range", dr.String(), "error", err)
		return dedup.NewKeySet()
	}
	logger.Info("warehouse: existing keys loaded", "range", dr.String(), "keys", len(keys))
	return dedup.NewKeySet(keys...)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent rejects table and schema names that would need quoting rules
// beyond plain identifiers.
func ValidIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("warehouse: invalid identifier %q", name)
	}
	return nil
}
