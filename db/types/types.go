package types

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Querier exposes only methods for running SQL queries, and some helper functions.
type Querier interface {
	NewContext() context.Context
	TimeNow() time.Time
	Dialect() Dialect
	ExecContext(ctx context.Context, sql string, arguments ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect is the SQL dialect of a database.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	LibSQL   Dialect = "libsql"
)

// ParseDialect parses a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case SQLite, Postgres, LibSQL:
		return d, nil
	case "postgresql", "pg":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	}

	return "", fmt.Errorf("unsupported SQL dialect '%s'", s)
}

// Driver returns the name of the database/sql driver used for this dialect.
func (d Dialect) Driver() string {
	return string(d)
}

// IsSQLite returns true for dialects that are SQLite compatible.
func (d Dialect) IsSQLite() bool {
	return d == SQLite || d == LibSQL
}

// Rebind converts '?' query placeholders to the format used by the dialect.
// Placeholders inside quoted strings or identifiers are left unchanged.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var (
		sb    strings.Builder
		n     int
		quote rune
	)
	sb.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}

	return sb.String()
}

// Filter is used to dynamically modify queries.
type Filter struct {
	Where string
	Args  []any
	Limit int
}

// NewFilter creates a new query filter.
func NewFilter(where string, args []any) *Filter {
	return &Filter{Where: where, Args: args}
}

// And joins f2 with f1 using an AND condition.
func (f1 *Filter) And(f2 *Filter) *Filter {
	return &Filter{
		Where: fmt.Sprintf("%s AND %s", f1.Where, f2.Where),
		Args:  slices.Concat(f1.Args, f2.Args),
	}
}
