// Package observability records ingestion runs in a SQLite ledger and
// exposes Prometheus collectors for the same events.
//
// Ledger writes are best effort: a failing ledger is logged and never
// fails a run. The one exception is CheckBatch, which guards the identity
// key space of each batch name.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/gscload/dbopen"
)

// ErrBatchRedefined is returned when a batch name is reused with different key fields.
var ErrBatchRedefined = errors.New("observability: batch redefined with different dimensions")

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("observability: run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// RunEntry is one row of ingest_runs.
type RunEntry struct {
	RunID         string     `json:"run_id"`
	Kind          string     `json:"kind"`
	SiteURL       string     `json:"site_url"`
	RangeStart    string     `json:"range_start"`
	RangeEnd      string     `json:"range_end"`
	Debug         bool       `json:"debug"`
	Status        string     `json:"status"`
	Fetched       int        `json:"fetched"`
	New           int        `json:"new"`
	Inserted      int        `json:"inserted"`
	FailedBatches int        `json:"failed_batches"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// BatchEntry is one row of ingest_batches.
type BatchEntry struct {
	RunID       string    `json:"run_id"`
	Batch       string    `json:"batch"`
	Fingerprint string    `json:"fingerprint"`
	Pages       int       `json:"pages"`
	Fetched     int       `json:"fetched"`
	New         int       `json:"new"`
	Inserted    int       `json:"inserted"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Ledger writes run history.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger wraps db, which must have Schema applied.
func NewLedger(db *sql.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}
}

// RunStarted inserts a running row.
func (l *Ledger) RunStarted(ctx context.Context, r RunEntry) {
	if r.Kind == "" {
		r.Kind = "analytics"
	}
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO ingest_runs (run_id, kind, site_url, range_start, range_end, debug, status, started_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.RunID, r.Kind, r.SiteURL, r.RangeStart, r.RangeEnd, r.Debug, StatusRunning, r.StartedAt.Unix())
	if err != nil {
		l.logger.Error("observability: run start not recorded", "run_id", r.RunID, "error", err)
	}
}

// RunFinished stores the final totals and status.
func (l *Ledger) RunFinished(ctx context.Context, r RunEntry) {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	_, err := dbopen.Exec(ctx, l.db, `
		UPDATE ingest_runs SET status=?, fetched=?, new_rows=?, inserted=?, failed_batches=?, error=?, finished_at=?
		WHERE run_id=?`,
		r.Status, r.Fetched, r.New, r.Inserted, r.FailedBatches, r.Error, finished.Unix(), r.RunID)
	if err != nil {
		l.logger.Error("observability: run finish not recorded", "run_id", r.RunID, "error", err)
	}
}

// BatchFinished stores one batch summary.
func (l *Ledger) BatchFinished(ctx context.Context, b BatchEntry) {
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT OR REPLACE INTO ingest_batches
			(run_id, batch, fingerprint, pages, fetched, new_rows, inserted, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.RunID, b.Batch, b.Fingerprint, b.Pages, b.Fetched, b.New, b.Inserted, b.Error,
		b.StartedAt.Unix(), b.FinishedAt.Unix())
	if err != nil {
		l.logger.Error("observability: batch not recorded", "run_id", b.RunID, "batch", b.Batch, "error", err)
	}
}

// CheckBatch registers name on first use and afterwards rejects a
// different fingerprint with ErrBatchRedefined. Ledger read errors are
// logged and let the batch through.
func (l *Ledger) CheckBatch(ctx context.Context, name, fingerprint, keyFields string) error {
	var stored, storedFields string
	err := l.db.QueryRowContext(ctx,
		`SELECT fingerprint, key_fields FROM batch_registry WHERE batch = ?`, name).Scan(&stored, &storedFields)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := dbopen.Exec(ctx, l.db,
			`INSERT OR IGNORE INTO batch_registry (batch, fingerprint, key_fields, first_seen) VALUES (?,?,?,?)`,
			name, fingerprint, keyFields, time.Now().Unix())
		if err != nil {
			l.logger.Warn("observability: batch not registered", "batch", name, "error", err)
		}
		return nil
	case err != nil:
		l.logger.Warn("observability: batch registry unreadable", "batch", name, "error", err)
		return nil
	case stored != fingerprint:
		return fmt.Errorf("%w: %s was [%s], now [%s]", ErrBatchRedefined, name, storedFields, keyFields)
	}
	return nil
}

const runColumns = `run_id, kind, site_url, range_start, range_end, debug, status,
	fetched, new_rows, inserted, failed_batches, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunEntry, error) {
	var r RunEntry
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.RunID, &r.Kind, &r.SiteURL, &r.RangeStart, &r.RangeEnd, &r.Debug, &r.Status,
		&r.Fetched, &r.New, &r.Inserted, &r.FailedBatches, &r.Error, &started, &finished); err != nil {
		return r, err
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// Run returns one run, or ErrRunNotFound.
func (l *Ledger) Run(ctx context.Context, runID string) (RunEntry, error) {
	r, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs WHERE run_id = ?`, runID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	case err != nil:
		return r, fmt.Errorf("observability: run %s: %w", runID, err)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("observability: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunBatches returns the batch rows of one run in insertion order.
func (l *Ledger) RunBatches(ctx context.Context, runID string) ([]BatchEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, batch, fingerprint, pages, fetched, new_rows, inserted, error, started_at, finished_at
		FROM ingest_batches WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("observability: run batches: %w", err)
	}
	defer rows.Close()

	var out []BatchEntry
	for rows.Next() {
		var b BatchEntry
		var started, finished int64
		if err := rows.Scan(&b.RunID, &b.Batch, &b.Fingerprint, &b.Pages, &b.Fetched, &b.New, &b.Inserted,
			&b.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("observability: scan batch: %w", err)
		}
		b.StartedAt = time.Unix(started, 0).UTC()
		b.FinishedAt = time.Unix(finished, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Cleanup deletes runs and their batches started more than days ago.
func Cleanup(ctx context.Context, db *sql.DB, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	var n int64
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ingest_batches WHERE run_id IN (SELECT run_id FROM ingest_runs WHERE started_at < ?)`, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM ingest_runs WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return n, nil
}
