package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/api/option"

	"github.com/hazyhaar/gscload/dbopen"
	"github.com/hazyhaar/gscload/ingest/internal/countries"
	"github.com/hazyhaar/gscload/ingest/internal/dump"
	"github.com/hazyhaar/gscload/ingest/internal/fetch"
	"github.com/hazyhaar/gscload/ingest/internal/gscapi"
	"github.com/hazyhaar/gscload/ingest/internal/notify"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse/bq"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse/postgres"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse/sqlite"
	"github.com/hazyhaar/gscload/observability"
)

// Warehouse drivers.
const (
	DriverBigQuery = "bigquery"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// OpenWarehouse connects to the configured destination for table.
// credentialsFile authenticates BigQuery; empty means application
// default credentials.
func OpenWarehouse(ctx context.Context, cfg WarehouseConfig, credentialsFile string, table warehouse.Table) (warehouse.Gateway, error) {
	switch cfg.Driver {
	case DriverBigQuery:
		var opts []option.ClientOption
		if credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
		return bq.Open(ctx, cfg.Project, cfg.Dataset, cfg.Location, table, opts...)
	case DriverPostgres:
		return postgres.Open(ctx, cfg.DSN, cfg.Schema, table)
	case DriverSQLite:
		return sqlite.Open(cfg.Path, table)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// NewSearchConsoleQuerier authenticates with the configured service account.
func NewSearchConsoleQuerier(ctx context.Context, cfg *Config) (fetch.Querier, error) {
	return newClient(ctx, cfg)
}

func newClient(ctx context.Context, cfg *Config) (*gscapi.Client, error) {
	if cfg.SiteURL == "" {
		return nil, fmt.Errorf("site_url is required")
	}
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("credentials_file (or SERVICE_ACCOUNT_FILE) is required")
	}
	return gscapi.New(ctx, cfg.CredentialsFile, cfg.RequestTimeout.Duration)
}

// Site is one Search Console property.
type Site = gscapi.Site

// ListSites returns the properties the configured credentials can read.
func ListSites(ctx context.Context, cfg *Config) ([]Site, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("%w: credentials_file (or SERVICE_ACCOUNT_FILE) is required", ErrSetup)
	}
	c, err := gscapi.New(ctx, cfg.CredentialsFile, cfg.RequestTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return c.Sites(ctx)
}

// Open builds a Service for search analytics runs from cfg: the Search
// Console client, the analytics table, and the optional side outputs.
// Call Close when done.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	q, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	opts, closers, err := sideOutputs(ctx, cfg, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	gw, err := OpenWarehouse(ctx, cfg.Warehouse, cfg.CredentialsFile, warehouse.AnalyticsTable(cfg.Warehouse.Table))
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	s := New(cfg, q, gw, logger, opts...)
	s.closers = append(closers, gw)
	return s, nil
}

// OpenEnhancements builds a Service that only loads enhancement exports.
func OpenEnhancements(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	opts, closers, err := sideOutputs(ctx, cfg, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	gw, err := OpenWarehouse(ctx, cfg.Warehouse, cfg.CredentialsFile, warehouse.EnhancementsTable(cfg.Warehouse.EnhancementsTable))
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	s := New(cfg, nil, nil, logger, append(opts, WithEnhancements(gw))...)
	s.closers = append(closers, gw)
	return s, nil
}

// sideOutputs builds the ledger, metrics, countries, dump, and notify
// options from cfg.
func sideOutputs(ctx context.Context, cfg *Config, logger *slog.Logger) ([]Option, []io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		opts    []Option
		closers []io.Closer
	)
	opts = append(opts, WithMetrics(observability.NewMetrics()))

	if cfg.LedgerPath != "" {
		db, err := dbopen.Open(cfg.LedgerPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return nil, closers, fmt.Errorf("%w: ledger: %w", ErrSetup, err)
		}
		closers = append(closers, db)
		if cfg.LedgerRetentionDays > 0 {
			if n, err := observability.Cleanup(ctx, db, cfg.LedgerRetentionDays); err != nil {
				logger.Warn("ingest: ledger cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("ingest: ledger pruned", "runs", n)
			}
		}
		opts = append(opts, WithLedger(observability.NewLedger(db, logger)))
	}
	if cfg.CountriesFile != "" {
		m, err := countries.LoadFile(cfg.CountriesFile)
		if err != nil {
			return nil, closers, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		opts = append(opts, WithCountries(m))
	} else {
		opts = append(opts, WithCountries(countries.New()))
	}
	if cfg.Dump.Enabled() {
		d, err := dump.New(cfg.Dump, logger)
		if err != nil {
			return nil, closers, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		opts = append(opts, WithDumper(d))
	}
	if cfg.Notify.URL != "" {
		n, err := notify.New(cfg.Notify)
		if err != nil {
			return nil, closers, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		opts = append(opts, WithNotifier(n))
	}
	return opts, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
