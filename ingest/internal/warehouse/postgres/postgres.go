// Package postgres is a warehouse gateway over PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// Gateway appends to schema.table through a connection pool.
type Gateway struct {
	pool   *pgxpool.Pool
	schema string
	table  warehouse.Table
}

// Open connects to dsn. schema may be empty to use the search_path default.
func Open(ctx context.Context, dsn, schema string, table warehouse.Table) (*Gateway, error) {
	if err := warehouse.ValidIdent(table.Name); err != nil {
		return nil, err
	}
	if schema != "" {
		if err := warehouse.ValidIdent(schema); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres warehouse: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres warehouse: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres warehouse: ping: %w", err)
	}
	return &Gateway{pool: pool, schema: schema, table: table}, nil
}

func (g *Gateway) qualified() string {
	return qualify(g.schema, g.table.Name)
}

func qualify(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

// identifiers are validated; wrapping is enough.
func quoteIdent(s string) string { return `"` + s + `"` }

// DDL returns the statements EnsureSchema runs, in order.
func DDL(schema string, t warehouse.Table) []string {
	var stmts []string
	if schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema))
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			cols[i] += " NOT NULL"
		}
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", qualify(schema, t.Name), strings.Join(cols, ",\n    ")))
	for _, c := range []string{t.KeyColumn, t.DateColumn} {
		if c == "" {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+t.Name+"_"+c), qualify(schema, t.Name), quoteIdent(c)))
	}
	return stmts
}

func sqlType(t warehouse.ColumnType) string {
	switch t {
	case warehouse.Date:
		return "DATE"
	case warehouse.Integer:
		return "BIGINT"
	case warehouse.Float:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// alreadyExists reports the errors two concurrent IF NOT EXISTS statements
// can still raise against each other.
func alreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", // duplicate_table
		"42P06", // duplicate_schema
		"42710", // duplicate_object
		"23505": // unique_violation on pg_type / pg_namespace
		return true
	}
	return false
}

func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, s := range DDL(g.schema, g.table) {
		if _, err := g.pool.Exec(ctx, s); err != nil && !alreadyExists(err) {
			return fmt.Errorf("postgres warehouse: ensure schema %s: %w", g.qualified(), err)
		}
	}
	return nil
}

func (g *Gateway) ExistingKeys(ctx context.Context, dr record.DateRange) ([]string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL", quoteIdent(g.table.KeyColumn), g.qualified(), quoteIdent(g.table.KeyColumn))
	var args []any
	if g.table.DateColumn != "" && !dr.IsZero() {
		q += fmt.Sprintf(" AND %s BETWEEN $1::date AND $2::date", quoteIdent(g.table.DateColumn))
		args = append(args, dr.Start.String(), dr.End.String())
	}
	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres warehouse: existing keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres warehouse: existing keys: %w", err)
	}
	return keys, nil
}

// Append copies rows in one transaction.
func (g *Gateway) Append(ctx context.Context, rows []warehouse.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols := g.table.ColumnNames()
	data := CopyRows(cols, rows)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres warehouse: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := pgx.Identifier{g.table.Name}
	if g.schema != "" {
		ident = pgx.Identifier{g.schema, g.table.Name}
	}
	n, err := tx.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(data))
	if err != nil {
		return 0, fmt.Errorf("postgres warehouse: copy %d rows: %w", len(rows), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres warehouse: commit: %w", err)
	}
	return int(n), nil
}

// CopyRows lays rows out in column order with driver-native values.
func CopyRows(cols []string, rows []warehouse.Row) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = value(row[c])
		}
		out[i] = vals
	}
	return out
}

func value(v any) any {
	if d, ok := v.(civil.Date); ok {
		return d.In(time.UTC)
	}
	return v
}

func (g *Gateway) Close() error {
	g.pool.Close()
	return nil
}
