package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op under bounded exponential backoff, retrying only the
// transient lock errors SQLite raises under write contention.
func withRetry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// isRetryable matches the lock errors worth waiting out.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// transact runs fn inside an immediate transaction with busy retry around
// the whole attempt. fn must be safe to re-run.
func (d *DB) transact(fn func(tx *sql.Tx) error) error {
	return withRetry(func() error {
		tx, err := d.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// exec is a single-statement write with busy retry.
func (d *DB) exec(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(func() error {
		var err error
		res, err = d.Exec(query, args...)
		return err
	})
	return res, err
}
