package ingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/gscload/ingest/internal/dump"
	"github.com/hazyhaar/gscload/ingest/internal/notify"
	"github.com/hazyhaar/gscload/ingest/internal/plan"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// Config holds the full gscload configuration.
type Config struct {
	SiteURL             string          `yaml:"site_url"`
	SearchType          string          `yaml:"search_type"`
	DataState           string          `yaml:"data_state"`
	CredentialsFile     string          `yaml:"credentials_file"`
	RowLimit            int             `yaml:"row_limit"`
	RetryDelay          Duration        `yaml:"retry_delay"`
	FatalRetries        int             `yaml:"fatal_retries"`
	TransientRetries    int             `yaml:"transient_retries"` // 0 = unbounded
	RequestTimeout      Duration        `yaml:"request_timeout"`
	MaxDimensions       int             `yaml:"max_dimensions"`
	LagDays             int             `yaml:"lag_days"`
	LookbackDays        int             `yaml:"lookback_days"`
	Batches             []plan.Batch    `yaml:"batches"` // appended to the built-in plan
	Warehouse           WarehouseConfig `yaml:"warehouse"`
	CountriesFile       string          `yaml:"countries_file"`
	LedgerPath          string          `yaml:"ledger_path"`
	LedgerRetentionDays int             `yaml:"ledger_retention_days"` // pruned at startup; 0 keeps all
	Metrics             MetricsConfig   `yaml:"metrics"`
	Notify              notify.Config   `yaml:"notify"`
	Dump                dump.Config     `yaml:"dump"`
	Serve               ServeConfig     `yaml:"serve"`
	LogLevel            string          `yaml:"log_level"`
	LogFormat           string          `yaml:"log_format"` // json | text
}

// WarehouseConfig selects and addresses the destination.
type WarehouseConfig struct {
	Driver            string `yaml:"driver"` // bigquery | postgres | sqlite
	Project           string `yaml:"project"`
	Dataset           string `yaml:"dataset"`
	Location          string `yaml:"location"`
	Table             string `yaml:"table"`
	EnhancementsTable string `yaml:"enhancements_table"`
	DSN               string `yaml:"dsn"`
	Schema            string `yaml:"schema"`
	Path              string `yaml:"path"`
	// KeyScope is "range" to load only the keys of the run's dates, or
	// "all" for every stored key.
	KeyScope string `yaml:"key_scope"`
}

// MetricsConfig configures the Prometheus Pushgateway used by one-shot runs.
type MetricsConfig struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// ServeConfig configures the long-running service.
type ServeConfig struct {
	Listen   string   `yaml:"listen"`
	Interval Duration `yaml:"interval"`
	Token    string   `yaml:"token"` // bearer token required by POST /runs
}

// Key scopes.
const (
	KeyScopeRange = "range"
	KeyScopeAll   = "all"
)

// Duration is a time.Duration written as "60s", "2m" in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("ingest: invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		SearchType:      "web",
		DataState:       "final",
		CredentialsFile: "gcp-key.json",
		RowLimit:        25000,
		RetryDelay:      Duration{time.Minute},
		RequestTimeout:  Duration{2 * time.Minute},
		MaxDimensions:   plan.DefaultMaxDimensions,
		LagDays:         3,
		LookbackDays:    3,
		Warehouse: WarehouseConfig{
			Driver:            "sqlite",
			Path:              "gscload.db",
			Location:          "US",
			Table:             "gsc_search_analytics",
			EnhancementsTable: "gsc_raw_enhancements",
			KeyScope:          KeyScopeRange,
		},
		LedgerPath:          "gscload_ledger.db",
		LedgerRetentionDays: 90,
		Metrics:             MetricsConfig{Job: "gscload"},
		Serve:               ServeConfig{Listen: ":8090", Interval: Duration{24 * time.Hour}},
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig reads a YAML config file over DefaultConfig, applies
// environment overrides, and validates. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("ingest: parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.SiteURL, "GSC_SITE_URL")
	set(&c.CredentialsFile, "SERVICE_ACCOUNT_FILE")
	set(&c.Warehouse.Driver, "GSC_WAREHOUSE_DRIVER")
	set(&c.Warehouse.DSN, "GSC_WAREHOUSE_DSN")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Serve.Token, "GSCLOAD_SERVE_TOKEN")
}

// Plan returns the built-in batches followed by the configured ones.
func (c *Config) Plan() plan.Plan {
	return plan.Default().With(c.Batches...)
}

var (
	searchTypes = map[string]bool{"web": true, "image": true, "video": true, "news": true, "discover": true, "googleNews": true}
	dataStates  = map[string]bool{"final": true, "all": true}
)

// Validate checks that values are sane. site_url and credentials are
// checked when the Search Console client is built, since the
// enhancements pipeline needs neither.
func (c *Config) Validate() error {
	if !searchTypes[c.SearchType] {
		return fmt.Errorf("ingest: config: unsupported search_type %q", c.SearchType)
	}
	if !dataStates[c.DataState] {
		return fmt.Errorf("ingest: config: unsupported data_state %q (use final or all)", c.DataState)
	}
	if c.RowLimit <= 0 || c.RowLimit > 25000 {
		return fmt.Errorf("ingest: config: row_limit must be in 1..25000")
	}
	if c.FatalRetries < 0 || c.TransientRetries < 0 {
		return fmt.Errorf("ingest: config: retry counts must be >= 0")
	}
	if c.MaxDimensions <= 0 {
		return fmt.Errorf("ingest: config: max_dimensions must be > 0")
	}
	if c.LagDays < 0 || c.LookbackDays <= 0 {
		return fmt.Errorf("ingest: config: lag_days must be >= 0 and lookback_days > 0")
	}
	if err := c.Plan().Validate(c.MaxDimensions); err != nil {
		return fmt.Errorf("ingest: config: %w", err)
	}
	if err := c.Warehouse.validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("ingest: config: unsupported log_format %q (use json or text)", c.LogFormat)
	}
	return nil
}

func (w *WarehouseConfig) validate() error {
	switch w.Driver {
	case DriverBigQuery:
		if w.Project == "" || w.Dataset == "" {
			return fmt.Errorf("ingest: config: warehouse: project and dataset are required for bigquery")
		}
	case DriverPostgres:
		if w.DSN == "" {
			return fmt.Errorf("ingest: config: warehouse: dsn is required for postgres")
		}
		if w.Schema != "" {
			if err := warehouse.ValidIdent(w.Schema); err != nil {
				return fmt.Errorf("ingest: config: %w", err)
			}
		}
	case DriverSQLite:
		if w.Path == "" {
			return fmt.Errorf("ingest: config: warehouse: path is required for sqlite")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, w.Driver)
	}
	for _, name := range []string{w.Table, w.EnhancementsTable} {
		if err := warehouse.ValidIdent(name); err != nil {
			return fmt.Errorf("ingest: config: %w", err)
		}
	}
	switch w.KeyScope {
	case "", KeyScopeRange, KeyScopeAll:
	default:
		return fmt.Errorf("ingest: config: warehouse: unsupported key_scope %q (use range or all)", w.KeyScope)
	}
	return nil
}
