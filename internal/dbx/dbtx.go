// Package dbx runs metadata writes inside TiDB transactions.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// DBTX lets store methods run against either *sql.DB or *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const maxAttempts = 3

// TiDB and MySQL error numbers after which the whole transaction can be rerun.
var retryableCodes = map[uint16]bool{
	1205: true, // lock wait timeout
	1213: true, // deadlock
	8002: true, // SELECT FOR UPDATE write conflict
	8022: true, // transaction retryable
	9007: true, // write conflict (optimistic mode)
}

// Retryable reports whether err is a transaction conflict that a fresh
// attempt may resolve.
func Retryable(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && retryableCodes[me.Number]
}

// WithTx runs fn in a transaction and commits it. fn may run more than once:
// a conflict reported by fn or by the commit rolls back and starts over, up
// to three attempts. Any other error rolls back and is returned as is.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = runTx(ctx, db, opts, fn)
		if err == nil || !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("transaction still conflicting after %d attempts: %w", maxAttempts, err)
}

func runTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
