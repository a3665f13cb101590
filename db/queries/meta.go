package queries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.hackfix.me/dictstep/db/types"
)

// EngineVersion returns the engine version the schema instance with the given
// table prefix was registered with. If the returned sql.Null value is invalid,
// it indicates that the schema instance isn't managed by the engine.
func EngineVersion(ctx context.Context, d types.Querier, prefix string) (sql.Null[string], error) {
	var version sql.Null[string]
	err := d.QueryRowContext(ctx,
		`SELECT engine_version FROM _dictstep_meta WHERE prefix = ?`, prefix).
		Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return version, fmt.Errorf("failed reading engine version: %w", err)
	}

	return version, nil
}

// ActiveLock returns the holder of the lock of the schema instance with the
// given table prefix. The returned value is invalid if no lock is held. This is
// only supported on SQLite compatible dialects.
func ActiveLock(ctx context.Context, d types.Querier, prefix string) (sql.Null[string], error) {
	var holder sql.Null[string]
	err := d.QueryRowContext(ctx,
		`SELECT holder FROM _dictstep_lock WHERE prefix = ?`, prefix).
		Scan(&holder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return holder, fmt.Errorf("failed reading lock: %w", err)
	}

	return holder, nil
}
