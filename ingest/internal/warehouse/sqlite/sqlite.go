// Package sqlite is a warehouse gateway over a local SQLite file, used for
// development, tests and single-machine deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/gscload/dbopen"
	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// Gateway appends to one table in a SQLite database.
type Gateway struct {
	db    *sql.DB
	table warehouse.Table
	owned bool
}

// Open opens (creating if needed) the database at path.
func Open(path string, table warehouse.Table) (*Gateway, error) {
	if err := warehouse.ValidIdent(table.Name); err != nil {
		return nil, err
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("sqlite warehouse: %w", err)
	}
	return &Gateway{db: db, table: table, owned: true}, nil
}

// New wraps an existing handle. Close leaves db open.
func New(db *sql.DB, table warehouse.Table) *Gateway {
	return &Gateway{db: db, table: table}
}

// DDL returns the idempotent CREATE statements for t.
func DDL(t warehouse.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "    %s %s", c.Name, sqlType(c.Type))
		if c.Required {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString("\n);\n")
	if t.KeyColumn != "" {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", t.Name, t.KeyColumn, t.Name, t.KeyColumn)
	}
	if t.DateColumn != "" {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", t.Name, t.DateColumn, t.Name, t.DateColumn)
	}
	return b.String()
}

func sqlType(t warehouse.ColumnType) string {
	switch t {
	case warehouse.Integer:
		return "INTEGER"
	case warehouse.Float:
		return "REAL"
	default:
		// DATE is stored as YYYY-MM-DD text.
		return "TEXT"
	}
}

func (g *Gateway) EnsureSchema(ctx context.Context) error {
	if _, err := dbopen.Exec(ctx, g.db, DDL(g.table)); err != nil {
		return fmt.Errorf("sqlite warehouse: ensure schema %s: %w", g.table.Name, err)
	}
	return nil
}

func (g *Gateway) ExistingKeys(ctx context.Context, dr record.DateRange) ([]string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", g.table.KeyColumn, g.table.Name)
	var args []any
	if g.table.DateColumn != "" && !dr.IsZero() {
		q += fmt.Sprintf(" WHERE %s BETWEEN ? AND ?", g.table.DateColumn)
		args = append(args, dr.Start.String(), dr.End.String())
	}
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite warehouse: existing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k sql.NullString
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite warehouse: scan key: %w", err)
		}
		if k.Valid {
			keys = append(keys, k.String)
		}
	}
	return keys, rows.Err()
}

// Append inserts rows in one transaction; on error nothing is committed.
func (g *Gateway) Append(ctx context.Context, rows []warehouse.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols := g.table.ColumnNames()
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		g.table.Name, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	err := dbopen.RunTx(ctx, g.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		args := make([]any, len(cols))
		for _, row := range rows {
			for i, c := range cols {
				args[i] = value(row[c])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite warehouse: append %d rows: %w", len(rows), err)
	}
	return len(rows), nil
}

func value(v any) any {
	switch x := v.(type) {
	case civil.Date:
		return x.String()
	default:
		return x
	}
}

func (g *Gateway) Close() error {
	if g.owned {
		return g.db.Close()
	}
	return nil
}
