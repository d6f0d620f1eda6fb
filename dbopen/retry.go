package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const busyAttempts = 3

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn in a transaction, committing on nil and rolling back
// otherwise. A busy database is retried with 100/200 ms pauses.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 1; i <= busyAttempts; i++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if i == busyAttempts {
			break
		}
		t := time.NewTimer(time.Duration(100*i) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: cancelled while busy: %w", ctx.Err())
		case <-t.C:
		}
	}
	return err
}
