// Package dump writes the new rows of each batch to parquet files and
// optionally uploads them to S3. It replaces the CSV previews operators
// used to inspect before committing a run.
package dump

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
)

// Row is the parquet layout of one analytics row.
type Row struct {
	Date             string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Query            *string `parquet:"name=query, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Page             *string `parquet:"name=page, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Country          *string `parquet:"name=country, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	CountryName      *string `parquet:"name=country_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Device           *string `parquet:"name=device, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SearchAppearance *string `parquet:"name=search_appearance, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Clicks           int64   `parquet:"name=clicks, type=INT64"`
	Impressions      int64   `parquet:"name=impressions, type=INT64"`
	CTR              float64 `parquet:"name=ctr, type=DOUBLE"`
	Position         float64 `parquet:"name=position, type=DOUBLE"`
	SearchType       string  `parquet:"name=search_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Batch            string  `parquet:"name=batch, type=BYTE_ARRAY, convertedtype=UTF8"`
	UniqueKey        string  `parquet:"name=unique_key, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// FromRow converts a warehouse row; NULL dimensions stay nil.
func FromRow(r warehouse.Row) Row {
	out := Row{
		Query:            optString(r["query"]),
		Page:             optString(r["page"]),
		Country:          optString(r["country"]),
		CountryName:      optString(r["country_name"]),
		Device:           optString(r["device"]),
		SearchAppearance: optString(r["search_appearance"]),
		SearchType:       str(r["search_type"]),
		Batch:            str(r["batch"]),
		UniqueKey:        str(r["unique_key"]),
	}
	if d, ok := r["date"].(civil.Date); ok {
		out.Date = d.String()
	}
	out.Clicks, _ = r["clicks"].(int64)
	out.Impressions, _ = r["impressions"].(int64)
	out.CTR, _ = r["ctr"].(float64)
	out.Position, _ = r["position"].(float64)
	return out
}

func optString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Config configures a Dumper.
type Config struct {
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
	// S3Endpoint targets S3-compatible stores; path-style addressing is used when set.
	S3Endpoint string `yaml:"s3_endpoint"`
}

// Enabled reports whether dumps are configured.
func (c Config) Enabled() bool { return c.Dir != "" }

// Dumper writes one parquet file per run and batch.
type Dumper struct {
	config   Config
	uploader *s3manager.Uploader
	logger   *slog.Logger
}

// New creates a Dumper. An S3 uploader is built only when S3Bucket is set;
// credentials come from the default AWS chain.
func New(cfg Config, logger *slog.Logger) (*Dumper, error) {
	return newDumper(cfg, logger, nil)
}

func newDumper(cfg Config, logger *slog.Logger, creds *credentials.Credentials) (*Dumper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dump: dir is required")
	}
	d := &Dumper{config: cfg, logger: logger}
	if cfg.S3Bucket != "" {
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		awsCfg := &aws.Config{Region: aws.String(region)}
		if cfg.S3Endpoint != "" {
			awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
			awsCfg.S3ForcePathStyle = aws.Bool(true)
		}
		if creds != nil {
			awsCfg.Credentials = creds
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("dump: aws session: %w", err)
		}
		d.uploader = s3manager.NewUploader(sess)
	}
	return d, nil
}

// Write stores rows under <dir>/<runID>/<batch>.parquet and uploads the
// file when S3 is configured. It returns the local path.
func (d *Dumper) Write(ctx context.Context, runID, batch string, rows []warehouse.Row) (string, error) {
	dir := filepath.Join(d.config.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("dump: mkdir: %w", err)
	}
	file := filepath.Join(dir, batch+".parquet")

	fw, err := local.NewLocalFileWriter(file)
	if err != nil {
		return "", fmt.Errorf("dump: create %s: %w", file, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		fw.Close()
		return "", fmt.Errorf("dump: parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		if err := pw.Write(FromRow(r)); err != nil {
			pw.WriteStop()
			fw.Close()
			return "", fmt.Errorf("dump: write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return "", fmt.Errorf("dump: finalize: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("dump: close: %w", err)
	}

	if d.uploader != nil {
		if err := d.upload(ctx, file, runID, batch, len(rows)); err != nil {
			return file, err
		}
	}
	d.logger.Debug("dump: written", "file", file, "rows", len(rows))
	return file, nil
}

func (d *Dumper) upload(ctx context.Context, file, runID, batch string, n int) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("dump: reopen: %w", err)
	}
	defer f.Close()

	key := path.Join(d.config.S3Prefix, runID, batch+".parquet")
	_, err = d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.config.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]*string{
			"record-count": aws.String(strconv.Itoa(n)),
			"batch":        aws.String(batch),
		},
	})
	if err != nil {
		return fmt.Errorf("dump: upload s3://%s/%s: %w", d.config.S3Bucket, key, err)
	}
	d.logger.Info("dump: uploaded", "bucket", d.config.S3Bucket, "key", key, "rows", n)
	return nil
}
