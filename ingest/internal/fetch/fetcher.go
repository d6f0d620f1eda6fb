// Package fetch pages through the search analytics API one dimension batch
// at a time, retrying failed pages after a fixed delay.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"time"

	"cloud.google.com/go/civil"

	"github.com/hazyhaar/gscload/ingest/internal/plan"
	"github.com/hazyhaar/gscload/ingest/internal/record"
)

// Request is one bounded analytics query.
type Request struct {
	SiteURL    string
	StartDate  string
	EndDate    string
	Dimensions []string
	RowLimit   int
	StartRow   int
	SearchType string
	DataState  string
}

// Row is one upstream result row. Keys are positional, in the order of
// Request.Dimensions.
type Row struct {
	Keys        []string
	Clicks      float64
	Impressions float64
	CTR         float64
	Position    float64
}

// Querier executes one analytics query. Implementations should return
// RetriableError or FatalError; untagged errors are classified by Tag.
type Querier interface {
	Query(ctx context.Context, req Request) ([]Row, error)
}

// Observer receives fetch progress. All methods must be cheap.
type Observer interface {
	PageFetched(batch string, rows int)
	PageRetried(batch string, class Class)
}

// Page is one successful upstream page converted to records.
type Page struct {
	Batch    string
	Day      civil.Date // set for per-day batches
	Number   int
	StartRow int
	Records  []record.Record
}

// Config configures a Fetcher.
type Config struct {
	SiteURL    string
	SearchType string
	DataState  string
	// RowLimit is the page size. Default: 25000, the upstream maximum.
	RowLimit int
	// RetryDelay is the fixed wait before re-issuing a failed page. Default: 60s.
	RetryDelay time.Duration
	// FatalRetries is how many times a fatal failure is retried before the
	// batch is abandoned. Default: 0.
	FatalRetries int
	// MaxTransientRetries bounds retriable failures per page. 0 means unbounded.
	MaxTransientRetries int
}

// DefaultRowLimit is the upstream page size ceiling.
const DefaultRowLimit = 25000

func (c *Config) defaults() {
	if c.RowLimit <= 0 {
		c.RowLimit = DefaultRowLimit
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.FatalRetries < 0 {
		c.FatalRetries = 0
	}
}

// Fetcher turns batches into lazy page sequences.
type Fetcher struct {
	q      Querier
	config Config
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
	obs    Observer
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSleep replaces the retry wait, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithObserver reports page and retry counts to obs.
func WithObserver(obs Observer) Option {
	return func(f *Fetcher) { f.obs = obs }
}

// New creates a Fetcher.
func New(q Querier, cfg Config, logger *slog.Logger, opts ...Option) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{q: q, config: cfg, logger: logger, sleep: sleepCtx}
	for _, o := range opts {
		o(f)
	}
	return f
}

// RowLimit returns the effective page size.
func (f *Fetcher) RowLimit() int { return f.config.RowLimit }

// Pages returns the pages of batch b over dr. Iteration stops after a short
// or empty page. An error is yielded at most once and ends the sequence.
// Ranging again restarts from offset 0.
func (f *Fetcher) Pages(ctx context.Context, dr record.DateRange, b plan.Batch) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		if !b.PerDay {
			f.paginate(ctx, b, dr, civil.Date{}, yield)
			return
		}
		for day := range dr.Days() {
			if !f.paginate(ctx, b, record.DateRange{Start: day, End: day}, day, yield) {
				return
			}
		}
	}
}

// paginate reports whether iteration should continue with the next day.
func (f *Fetcher) paginate(ctx context.Context, b plan.Batch, dr record.DateRange, day civil.Date, yield func(Page, error) bool) bool {
	dims := b.RequestDimensions()
	start := 0
	for n := 1; ; n++ {
		req := Request{
			SiteURL:    f.config.SiteURL,
			StartDate:  dr.Start.String(),
			EndDate:    dr.End.String(),
			Dimensions: dims,
			RowLimit:   f.config.RowLimit,
			StartRow:   start,
			SearchType: f.config.SearchType,
			DataState:  f.config.DataState,
		}
		rows, err := f.query(ctx, b.Name, req)
		if err != nil {
			yield(Page{}, fmt.Errorf("fetch: batch %s range %s row %d: %w", b.Name, dr, start, err))
			return false
		}
		if f.obs != nil {
			f.obs.PageFetched(b.Name, len(rows))
		}
		if len(rows) == 0 {
			return true
		}
		page := Page{
			Batch:    b.Name,
			Day:      day,
			Number:   n,
			StartRow: start,
			Records:  toRecords(dims, rows, day),
		}
		if !yield(page, nil) {
			return false
		}
		if len(rows) < f.config.RowLimit {
			return true
		}
		start += len(rows)
	}
}

// query issues req until it succeeds, the retry budget is spent, or ctx ends.
func (f *Fetcher) query(ctx context.Context, batch string, req Request) ([]Row, error) {
	var transient, fatal int
	for {
		rows, err := f.q.Query(ctx, req)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		err = Tag(0, "", err)
		var class Class
		var fe *FatalError
		var re *RetriableError
		switch {
		case errors.As(err, &fe):
			class = fe.Class
			if fatal >= f.config.FatalRetries {
				return nil, err
			}
			fatal++
		case errors.As(err, &re):
			class = re.Class
			transient++
			if f.config.MaxTransientRetries > 0 && transient > f.config.MaxTransientRetries {
				return nil, fmt.Errorf("gave up after %d retries: %w", transient-1, err)
			}
		}

		f.logger.Warn("fetch: page failed, retrying",
			"batch", batch, "start_row", req.StartRow, "class", class,
			"delay", f.config.RetryDelay, "error", err)
		if f.obs != nil {
			f.obs.PageRetried(batch, class)
		}
		if err := f.sleep(ctx, f.config.RetryDelay); err != nil {
			return nil, err
		}
	}
}

// toRecords pairs requested dimension names with row keys by position.
// Short key lists leave the missing dimensions empty.
func toRecords(dims []string, rows []Row, day civil.Date) []record.Record {
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		fields := make(map[string]string, len(dims)+1)
		for i, d := range dims {
			v := ""
			if i < len(row.Keys) {
				v = row.Keys[i]
			}
			fields[plan.Dimension(d).Column()] = v
		}
		if day.IsValid() {
			fields[plan.Date.Column()] = day.String()
		}
		out = append(out, record.Record{
			Fields:      fields,
			Clicks:      count(row.Clicks),
			Impressions: count(row.Impressions),
			CTR:         row.CTR,
			Position:    row.Position,
		})
	}
	return out
}

func count(v float64) int64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int64(math.Round(v))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
