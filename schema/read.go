package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.hackfix.me/dictstep/db/types"
)

// Read loads the model of the schema instance with the given table prefix from
// the database. Internal tables, i.e. those starting with an underscore, are
// excluded.
func Read(ctx context.Context, q types.Querier, prefix string) (*Model, error) {
	names, err := tableNames(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed listing tables: %w", err)
	}

	m := NewModel(prefix)
	lprefix := strings.ToLower(prefix)
	for _, name := range names {
		lname := strings.ToLower(name)
		if strings.HasPrefix(lname, "_") || strings.HasPrefix(lname, "sqlite_") ||
			!strings.HasPrefix(lname, lprefix) {
			continue
		}

		cols, err := tableColumns(ctx, q, name)
		if err != nil {
			return nil, fmt.Errorf("failed reading columns of table '%s': %w", name, err)
		}
		m.Tables = append(m.Tables, Table{Name: name, Columns: cols})
	}
	m.sort()

	return m, nil
}

// TableExists returns true if a table with the given name exists.
func TableExists(ctx context.Context, q types.Querier, name string) (bool, error) {
	var query string
	if q.Dialect().IsSQLite() {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	} else {
		query = `SELECT COUNT(*) FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = ?`
	}

	var count int
	if err := q.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, fmt.Errorf("failed checking if table '%s' exists: %w", name, err)
	}

	return count > 0, nil
}

// Result rows are fully read before returning, since some drivers don't allow
// running queries while another result set is open on the same connection.
func tableNames(ctx context.Context, q types.Querier) (names []string, rerr error) {
	var query string
	if q.Dialect().IsSQLite() {
		query = `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`
	} else {
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
			ORDER BY table_name`
	}

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err = rows.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed closing table rows: %w", err)
		}
	}()

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, types.ScanError{ModelName: "table", Err: err}
		}
		names = append(names, name)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over table rows: %w", err)
	}

	return names, nil
}

func tableColumns(ctx context.Context, q types.Querier, table string) (cols []Column, rerr error) {
	var query string
	if q.Dialect().IsSQLite() {
		query = `SELECT name, type, "notnull" <> 0, dflt_value
			FROM pragma_table_info(?) ORDER BY cid`
	} else {
		query = `SELECT column_name, data_type, is_nullable = 'NO', column_default
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ?
			ORDER BY ordinal_position`
	}

	rows, err := q.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err = rows.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed closing column rows: %w", err)
		}
	}()

	for rows.Next() {
		var (
			c    Column
			dflt sql.Null[string]
		)
		if err = rows.Scan(&c.Name, &c.Type, &c.NotNull, &dflt); err != nil {
			return nil, types.ScanError{ModelName: "column", Err: err}
		}
		c.Default = dflt.V
		cols = append(cols, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over column rows: %w", err)
	}

	return cols, nil
}
