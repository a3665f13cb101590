package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.hackfix.me/dictstep/db/types"
)

// Tx is a database transaction that implements types.Querier.
type Tx struct {
	*sql.Tx
	db *DB
}

var _ types.Querier = (*Tx)(nil)

// InTx runs fn within a transaction, which is committed if fn succeeds, and
// rolled back otherwise. The transaction is also rolled back if ctx is done
// before it's committed.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) (rerr error) {
	sqlTx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed starting transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx, db: d}

	defer func() {
		if rec := recover(); rec != nil {
			_ = sqlTx.Rollback()
			panic(rec)
		}
		if rerr != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				rerr = errors.Join(rerr, fmt.Errorf("failed rolling back transaction: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed committing transaction: %w", err)
	}

	return nil
}

// NewContext returns the main database context.
func (tx *Tx) NewContext() context.Context {
	return tx.db.NewContext()
}

// TimeNow returns the current system time.
func (tx *Tx) TimeNow() time.Time {
	return tx.db.TimeNow()
}

// Dialect returns the SQL dialect of the database.
func (tx *Tx) Dialect() types.Dialect {
	return tx.db.dialect
}

// ExecContext runs a statement, converting placeholders for the dialect.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.db.dialect.Rebind(query), args...) //nolint:wrapcheck // Passthrough.
}

// QueryContext runs a query, converting placeholders for the dialect.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.db.dialect.Rebind(query), args...) //nolint:wrapcheck // Passthrough.
}

// QueryRowContext runs a single row query, converting placeholders for the
// dialect.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.db.dialect.Rebind(query), args...)
}
