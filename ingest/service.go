// Package ingest loads Search Console search analytics into a warehouse
// idempotently: every run fetches a dimension-batch plan page by page,
// drops rows whose identity key is already stored, and appends the rest.
//
// A Service is safe for concurrent use but runs one ingestion at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/gscload/idgen"
	"github.com/hazyhaar/gscload/ingest/internal/countries"
	"github.com/hazyhaar/gscload/ingest/internal/dedup"
	"github.com/hazyhaar/gscload/ingest/internal/fetch"
	"github.com/hazyhaar/gscload/ingest/internal/notify"
	"github.com/hazyhaar/gscload/ingest/internal/plan"
	"github.com/hazyhaar/gscload/ingest/internal/record"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
	"github.com/hazyhaar/gscload/kit"
	"github.com/hazyhaar/gscload/observability"
)

// ErrRunInProgress is returned when Run is called while another run holds the service.
var ErrRunInProgress = errors.New("ingest: run already in progress")

// DateRange is an inclusive range of calendar days.
type DateRange = record.DateRange

// ParseRange parses YYYY-MM-DD bounds.
func ParseRange(start, end string) (DateRange, error) {
	dr, err := record.ParseRange(start, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	return dr, nil
}

// Window returns the incremental range for now: LookbackDays long,
// ending LagDays before today.
func (c *Config) Window(now time.Time) DateRange {
	return record.Window(record.Today(now), c.LagDays, c.LookbackDays)
}

// Notifier announces finished runs.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// Dumper archives the new rows of a batch.
type Dumper interface {
	Write(ctx context.Context, runID, batch string, rows []warehouse.Row) (string, error)
}

// RunOptions tunes one run.
type RunOptions struct {
	// Debug fetches and dedups but never appends.
	Debug bool
}

// BatchSummary reports one batch of a run.
type BatchSummary struct {
	Name     string `json:"name"`
	Fetched  int    `json:"fetched"`
	New      int    `json:"new"`
	Inserted int    `json:"inserted"`
	Pages    int    `json:"pages"`
	Err      error  `json:"-"`
}

// Totals sums the batches of a run.
type Totals struct {
	Fetched       int `json:"fetched"`
	New           int `json:"new"`
	Inserted      int `json:"inserted"`
	FailedBatches int `json:"failed_batches"`
}

// RunSummary reports a run.
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Kind     string         `json:"kind"`
	Range    DateRange      `json:"-"`
	Debug    bool           `json:"debug"`
	Batches  []BatchSummary `json:"batches"`
	Totals   Totals         `json:"totals"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	// Err is the setup or cancellation error that ended the run early.
	Err error `json:"-"`
}

// Status is completed, partial (some batch failed), or failed.
func (s *RunSummary) Status() string {
	switch {
	case s.Err != nil:
		return observability.StatusFailed
	case s.Totals.FailedBatches > 0:
		return observability.StatusPartial
	default:
		return observability.StatusCompleted
	}
}

func (s *RunSummary) total() {
	s.Totals = Totals{}
	for _, b := range s.Batches {
		s.Totals.Fetched += b.Fetched
		s.Totals.New += b.New
		s.Totals.Inserted += b.Inserted
		if b.Err != nil {
			s.Totals.FailedBatches++
		}
	}
}

// Service runs ingestion against one warehouse.
type Service struct {
	config    *Config
	q         fetch.Querier
	gw        warehouse.Gateway
	enh       warehouse.Gateway
	logger    *slog.Logger
	ledger    *observability.Ledger
	metrics   *observability.Metrics
	notifier  Notifier
	dumper    Dumper
	countries *countries.Map
	now       func() time.Time
	newID     idgen.Generator
	sleep     func(context.Context, time.Duration) error
	closers   []io.Closer
	mu        sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLedger records runs and guards batch definitions.
func WithLedger(l *observability.Ledger) Option { return func(s *Service) { s.ledger = l } }

// WithMetrics reports to Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithNotifier announces finished runs.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithDumper archives new rows per batch.
func WithDumper(d Dumper) Option { return func(s *Service) { s.dumper = d } }

// WithCountries fills country_name.
func WithCountries(m *countries.Map) Option { return func(s *Service) { s.countries = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithEnhancements sets the destination of RunEnhancements.
func WithEnhancements(gw warehouse.Gateway) Option { return func(s *Service) { s.enh = gw } }

// New creates a Service. q and gw may be nil for a service that only
// loads enhancements.
func New(cfg *Config, q fetch.Querier, gw warehouse.Gateway, logger *slog.Logger, opts ...Option) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config: cfg,
		q:      q,
		gw:     gw,
		logger: logger,
		now:    time.Now,
		newID:  idgen.RunID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the service configuration.
func (s *Service) Config() *Config { return s.config }

// Ledger returns the run ledger, or nil.
func (s *Service) Ledger() *observability.Ledger { return s.ledger }

// Metrics returns the collectors, or nil.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Close releases what Open acquired.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Run ingests dr. A failed batch is reported in the summary and does not
// stop the run; the returned error is reserved for setup failures
// (ErrSetup), bad ranges (ErrInvalidRange), and cancellation.
func (s *Service) Run(ctx context.Context, dr DateRange, opts RunOptions) (*RunSummary, error) {
	if err := dr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	if s.q == nil || s.gw == nil {
		return nil, fmt.Errorf("%w: search console client and warehouse are required", ErrSetup)
	}
	if !s.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.mu.Unlock()

	sum := &RunSummary{RunID: s.newID(), Kind: "analytics", Range: dr, Debug: opts.Debug, Started: s.now()}
	ctx = kit.WithRunID(ctx, sum.RunID)
	log := kit.Logger(ctx, s.logger)
	log.Info("ingest: run started", "range", dr.String(), "debug", opts.Debug, "trigger", kit.GetTrigger(ctx))
	s.started(ctx, sum)

	if err := s.gw.EnsureSchema(ctx); err != nil {
		sum.Err = fmt.Errorf("%w: ensure schema: %w", ErrSetup, err)
		s.finish(ctx, sum, log)
		return sum, sum.Err
	}

	keyRange := dr
	if s.config.Warehouse.KeyScope == KeyScopeAll {
		keyRange = DateRange{}
	}
	keys := warehouse.LoadExistingKeys(ctx, s.gw, keyRange, log)

	fopts := []fetch.Option{}
	if s.metrics != nil {
		fopts = append(fopts, fetch.WithObserver(fetchObserver{s.metrics}))
	}
	if s.sleep != nil {
		fopts = append(fopts, fetch.WithSleep(s.sleep))
	}
	f := fetch.New(s.q, fetch.Config{
		SiteURL:             s.config.SiteURL,
		SearchType:          s.config.SearchType,
		DataState:           s.config.DataState,
		RowLimit:            s.config.RowLimit,
		RetryDelay:          s.config.RetryDelay.Duration,
		FatalRetries:        s.config.FatalRetries,
		MaxTransientRetries: s.config.TransientRetries,
	}, log, fopts...)

	for _, b := range s.config.Plan() {
		if ctx.Err() != nil {
			break
		}
		sum.Batches = append(sum.Batches, s.runBatch(ctx, f, sum, b, keys, opts))
	}
	if err := ctx.Err(); err != nil {
		sum.Err = fmt.Errorf("ingest: run cancelled: %w", err)
	}
	s.finish(ctx, sum, log)
	return sum, sum.Err
}

func (s *Service) runBatch(ctx context.Context, f *fetch.Fetcher, sum *RunSummary, b plan.Batch, keys *dedup.KeySet, opts RunOptions) BatchSummary {
	ctx = kit.WithBatch(ctx, b.Name)
	log := kit.Logger(ctx, s.logger)
	bs := BatchSummary{Name: b.Name}
	started := s.now()

	defer func() {
		s.batchDone(ctx, sum, b.Name, b.Fingerprint(), bs, started, log)
	}()

	if s.ledger != nil {
		if err := s.ledger.CheckBatch(ctx, b.Name, b.Fingerprint(), strings.Join(b.KeyFields(), ",")); err != nil {
			bs.Err = err
			return bs
		}
	}

	fields := b.KeyFields()
	var dumped []warehouse.Row
	for page, err := range f.Pages(ctx, sum.Range, b) {
		if err != nil {
			bs.Err = err
			break
		}
		bs.Pages++
		bs.Fetched += len(page.Records)

		fresh := dedup.FilterNew(page.Records, keys, fields)
		bs.New += len(fresh)
		log.Debug("ingest: page", "page", page.Number, "rows", len(page.Records), "new", len(fresh))
		if len(fresh) == 0 {
			continue
		}

		rows := make([]warehouse.Row, len(fresh))
		for i, r := range fresh {
			rows[i] = warehouse.AnalyticsRow(r, b, s.config.SearchType, s.countryName(r))
		}
		if s.dumper != nil {
			dumped = append(dumped, rows...)
		}
		if opts.Debug {
			continue
		}

		n, err := s.gw.Append(ctx, rows)
		if err != nil {
			keys.Remove(dedup.Keys(fresh)...)
			bs.Err = fmt.Errorf("ingest: append page %d: %w", page.Number, err)
			break
		}
		bs.Inserted += n
	}

	if s.dumper != nil && len(dumped) > 0 {
		path, err := s.dumper.Write(ctx, sum.RunID, b.Name, dumped)
		if err != nil {
			log.Warn("ingest: dump failed", "error", err)
		} else {
			log.Info("ingest: dump written", "path", path, "rows", len(dumped))
		}
	}
	return bs
}

func (s *Service) countryName(r record.Record) string {
	code, ok := r.Get("country")
	if !ok {
		return ""
	}
	return s.countries.Name(code)
}

// batchDone logs bs and records it in the metrics and the ledger.
func (s *Service) batchDone(ctx context.Context, sum *RunSummary, name, fingerprint string, bs BatchSummary, started time.Time, log *slog.Logger) {
	if bs.Err != nil {
		log.Error("ingest: batch failed", "fetched", bs.Fetched, "new", bs.New, "inserted", bs.Inserted, "error", bs.Err)
	} else {
		log.Info("ingest: batch done", "pages", bs.Pages, "fetched", bs.Fetched, "new", bs.New, "inserted", bs.Inserted)
	}
	if s.metrics != nil {
		s.metrics.BatchDone(name, bs.New, bs.Inserted, bs.Err != nil)
	}
	if s.ledger != nil {
		e := observability.BatchEntry{
			RunID:       sum.RunID,
			Batch:       name,
			Fingerprint: fingerprint,
			Pages:       bs.Pages,
			Fetched:     bs.Fetched,
			New:         bs.New,
			Inserted:    bs.Inserted,
			StartedAt:   started,
			FinishedAt:  s.now(),
		}
		if bs.Err != nil {
			e.Error = bs.Err.Error()
		}
		s.ledger.BatchFinished(context.WithoutCancel(ctx), e)
	}
}

func (s *Service) started(ctx context.Context, sum *RunSummary) {
	if s.ledger == nil {
		return
	}
	e := observability.RunEntry{
		RunID:     sum.RunID,
		Kind:      sum.Kind,
		SiteURL:   s.config.SiteURL,
		Debug:     sum.Debug,
		StartedAt: sum.Started,
	}
	if !sum.Range.IsZero() {
		e.RangeStart, e.RangeEnd = sum.Range.Start.String(), sum.Range.End.String()
	}
	s.ledger.RunStarted(ctx, e)
}

// finish records the outcome everywhere. Side outputs never fail the run.
func (s *Service) finish(ctx context.Context, sum *RunSummary, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	sum.Finished = s.now()
	sum.total()
	status := sum.Status()

	attrs := []any{"status", status, "batches", len(sum.Batches), "fetched", sum.Totals.Fetched,
		"new", sum.Totals.New, "inserted", sum.Totals.Inserted, "failed_batches", sum.Totals.FailedBatches,
		"duration", sum.Finished.Sub(sum.Started).String()}
	if sum.Err != nil {
		log.Error("ingest: run failed", append(attrs, "error", sum.Err)...)
	} else {
		log.Info("ingest: run finished", attrs...)
	}

	if s.metrics != nil {
		s.metrics.RunDone(sum.Kind, status, sum.Finished.Sub(sum.Started).Seconds(), sum.Finished.Unix())
	}
	if s.ledger != nil {
		e := observability.RunEntry{
			RunID:         sum.RunID,
			Status:        status,
			Fetched:       sum.Totals.Fetched,
			New:           sum.Totals.New,
			Inserted:      sum.Totals.Inserted,
			FailedBatches: sum.Totals.FailedBatches,
			FinishedAt:    &sum.Finished,
		}
		if sum.Err != nil {
			e.Error = sum.Err.Error()
		}
		s.ledger.RunFinished(ctx, e)
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, s.Report(sum)); err != nil {
			log.Warn("ingest: notify failed", "error", err)
		}
	}
}

// Report renders sum as the run message published on completion.
func (s *Service) Report(sum *RunSummary) notify.Message {
	m := notify.Message{
		Type:          notify.MessageType,
		RunID:         sum.RunID,
		Kind:          sum.Kind,
		SiteURL:       s.config.SiteURL,
		Debug:         sum.Debug,
		Status:        sum.Status(),
		Fetched:       sum.Totals.Fetched,
		New:           sum.Totals.New,
		Inserted:      sum.Totals.Inserted,
		FailedBatches: sum.Totals.FailedBatches,
		FinishedAt:    sum.Finished,
	}
	if !sum.Range.IsZero() {
		m.Start, m.End = sum.Range.Start.String(), sum.Range.End.String()
	}
	for _, b := range sum.Batches {
		bm := notify.BatchMessage{Name: b.Name, Fetched: b.Fetched, New: b.New, Inserted: b.Inserted}
		if b.Err != nil {
			bm.Error = b.Err.Error()
		}
		m.Batches = append(m.Batches, bm)
	}
	return m
}

// fetchObserver adapts Metrics to fetch.Observer.
type fetchObserver struct {
	m *observability.Metrics
}

func (o fetchObserver) PageFetched(batch string, rows int) { o.m.PageFetched(batch, rows) }

func (o fetchObserver) PageRetried(batch string, class fetch.Class) {
	o.m.PageRetried(batch, string(class))
}
