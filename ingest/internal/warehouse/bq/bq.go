// Package bq is the BigQuery warehouse gateway.
//
// Appends are load jobs with WRITE_APPEND: a job either commits every row
// or none, which is what keeps a failed page from leaving partial data.
package bq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// Gateway appends to one BigQuery table.
type Gateway struct {
	client  *bigquery.Client
	dataset string
	table   warehouse.Table
	owned   bool
}

// Open creates a client for project. location may be empty.
func Open(ctx context.Context, project, dataset, location string, table warehouse.Table, opts ...option.ClientOption) (*Gateway, error) {
	if err := warehouse.ValidIdent(table.Name); err != nil {
		return nil, err
	}
	if err := warehouse.ValidIdent(dataset); err != nil {
		return nil, err
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery warehouse: client: %w", err)
	}
	if location != "" {
		client.Location = location
	}
	return &Gateway{client: client, dataset: dataset, table: table, owned: true}, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client *bigquery.Client, dataset string, table warehouse.Table) *Gateway {
	return &Gateway{client: client, dataset: dataset, table: table}
}

// Schema maps t to a BigQuery schema.
func Schema(t warehouse.Table) bigquery.Schema {
	s := make(bigquery.Schema, len(t.Columns))
	for i, c := range t.Columns {
		s[i] = &bigquery.FieldSchema{Name: c.Name, Type: fieldType(c.Type), Required: c.Required}
	}
	return s
}

func fieldType(t warehouse.ColumnType) bigquery.FieldType {
	switch t {
	case warehouse.Date:
		return bigquery.DateFieldType
	case warehouse.Integer:
		return bigquery.IntegerFieldType
	case warehouse.Float:
		return bigquery.FloatFieldType
	default:
		return bigquery.StringFieldType
	}
}

// Metadata returns the table definition EnsureSchema creates.
func Metadata(t warehouse.Table) *bigquery.TableMetadata {
	md := &bigquery.TableMetadata{Schema: Schema(t)}
	if len(t.Clustering) > 0 {
		md.Clustering = &bigquery.Clustering{Fields: t.Clustering}
	}
	if t.DateColumn != "" {
		md.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: t.DateColumn}
	}
	return md
}

func (g *Gateway) ref() *bigquery.Table {
	return g.client.Dataset(g.dataset).Table(g.table.Name)
}

func (g *Gateway) EnsureSchema(ctx context.Context) error {
	err := g.ref().Create(ctx, Metadata(g.table))
	if err != nil && !hasStatus(err, http.StatusConflict) {
		return fmt.Errorf("bigquery warehouse: create %s.%s: %w", g.dataset, g.table.Name, err)
	}
	return nil
}

func (g *Gateway) ExistingKeys(ctx context.Context, dr record.DateRange) ([]string, error) {
	sql := fmt.Sprintf("SELECT %s FROM `%s.%s.%s` WHERE %s IS NOT NULL",
		g.table.KeyColumn, g.client.Project(), g.dataset, g.table.Name, g.table.KeyColumn)
	q := g.client.Query("")
	if g.table.DateColumn != "" && !dr.IsZero() {
		sql += fmt.Sprintf(" AND %s BETWEEN @start AND @end", g.table.DateColumn)
		q.Parameters = []bigquery.QueryParameter{
			{Name: "start", Value: dr.Start},
			{Name: "end", Value: dr.End},
		}
	}
	q.Q = sql

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery warehouse: existing keys: %w", err)
	}
	var keys []string
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery warehouse: existing keys: %w", err)
		}
		if len(row) > 0 {
			if k, ok := row[0].(string); ok {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func (g *Gateway) Append(ctx context.Context, rows []warehouse.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	body, err := EncodeNDJSON(g.table, rows)
	if err != nil {
		return 0, fmt.Errorf("bigquery warehouse: encode: %w", err)
	}

	src := bigquery.NewReaderSource(bytes.NewReader(body))
	src.SourceFormat = bigquery.JSON
	loader := g.ref().LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateNever

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("bigquery warehouse: start load: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("bigquery warehouse: load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("bigquery warehouse: load job %s: %w", job.ID(), err)
	}
	if status.Statistics != nil {
		if ls, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			return int(ls.OutputRows), nil
		}
	}
	return len(rows), nil
}

// EncodeNDJSON renders rows as newline-delimited JSON restricted to the
// table's columns. NULL columns are omitted.
func EncodeNDJSON(t warehouse.Table, rows []warehouse.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		obj := make(map[string]any, len(t.Columns))
		for _, c := range t.Columns {
			v, ok := row[c.Name]
			if !ok || v == nil {
				continue
			}
			if d, isDate := v.(civil.Date); isDate {
				v = d.String()
			}
			obj[c.Name] = v
		}
		if err := enc.Encode(obj); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func hasStatus(err error, code int) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == code
}

func (g *Gateway) Close() error {
	if g.owned {
		return g.client.Close()
	}
	return nil
}
