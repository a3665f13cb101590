package models

import (
	"context"
	"fmt"
	"time"

	"go.hackfix.me/dictstep/db/types"
)

// SchemaTable is the name of the table that registers managed schema instances.
const SchemaTable = "_dictstep_meta"

// Schema is a schema instance managed by the engine, identified by its table
// prefix.
type Schema struct {
	Prefix        string
	EngineVersion string
	Dialect       string
	CreatedAt     time.Time
}

// Save registers the schema instance in the database. It returns a
// types.DuplicateError if the prefix is already registered.
func (s *Schema) Save(ctx context.Context, d types.Querier) error {
	timeNow := d.TimeNow().UTC()
	_, err := d.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (prefix, engine_version, dialect, created_at)
			VALUES (?, ?, ?, ?)`, SchemaTable),
		s.Prefix, s.EngineVersion, s.Dialect, timeNow.UnixNano())
	if err != nil {
		return types.Err("schema", fmt.Sprintf("prefix '%s'", s.Prefix), err)
	}
	s.CreatedAt = timeNow

	return nil
}

// Schemas returns all registered schema instances, sorted by prefix.
func Schemas(ctx context.Context, d types.Querier) (schemas []*Schema, rerr error) {
	rows, err := d.QueryContext(ctx, fmt.Sprintf(`SELECT
			prefix, engine_version, dialect, created_at
		FROM %s ORDER BY prefix ASC`, SchemaTable))
	if err != nil {
		return nil, types.LoadError{ModelName: "schemas", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing schema rows: %w", err)
		}
	}()

	schemas = make([]*Schema, 0)
	for rows.Next() {
		var (
			s         Schema
			createdAt int64
		)
		if err = rows.Scan(&s.Prefix, &s.EngineVersion, &s.Dialect, &createdAt); err != nil {
			return nil, types.ScanError{ModelName: "schema", Err: err}
		}
		s.CreatedAt = time.Unix(0, createdAt).UTC()
		schemas = append(schemas, &s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over schema rows: %w", err)
	}

	return schemas, nil
}
