package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"strings"
	"time"

	//nolint:revive,nolintlint // Idiomatic way of loading DB libraries.
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"go.hackfix.me/dictstep/db/migrator"
	"go.hackfix.me/dictstep/db/models"
	"go.hackfix.me/dictstep/db/queries"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pingTimeout = 10 * time.Second

// DB wraps sql.DB with dialect support, and the engine's bookkeeping and
// migration functionality.
type DB struct {
	*sql.DB
	ctx        context.Context
	timeNow    func() time.Time
	dsn        string
	dialect    types.Dialect
	migrations []*migrator.Migration
}

var _ types.Querier = (*DB)(nil)

// Open connects to the database at dsn using the given dialect. If version is
// not empty, the database server version must start with it.
func Open(
	ctx context.Context, dsn string, dialect types.Dialect, version string,
	timeNow func() time.Time,
) (*DB, error) {
	if _, err := types.ParseDialect(string(dialect)); err != nil {
		return nil, err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	var d *DB
	if dialect == types.SQLite &&
		(strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, ":memory:")) {
		defer func() {
			if d != nil {
				// See https://github.com/mattn/go-sqlite3#faq
				d.SetMaxIdleConns(10)
				d.SetConnMaxLifetime(time.Duration(math.Inf(1)))
			}
		}()
	}

	sqlDB, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed opening %s database: %w", dialect, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err = sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed connecting to %s database: %w", dialect, err)
	}

	d = &DB{
		DB: sqlDB, ctx: ctx, dsn: dsn, dialect: dialect, timeNow: timeNow,
		migrations: migrations,
	}

	if dialect.IsSQLite() {
		// Enable foreign key enforcement
		if _, err = d.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed enabling foreign key enforcement: %w", err)
		}
	}

	if version != "" {
		serverVersion, err := d.ServerVersion(ctx)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		if !strings.HasPrefix(serverVersion, version) {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%s server version %s doesn't match required version %s",
				dialect, serverVersion, version)
		}
	}

	return d, nil
}

func loadMigrations() ([]*migrator.Migration, error) {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed getting migrations directory: %w", err)
	}
	return migrator.LoadMigrations(dir)
}

// Init creates or upgrades the engine's bookkeeping tables, and registers the
// schema instance with the given table prefix. It fails if the schema instance
// is already registered and there was nothing to upgrade.
func (d *DB) Init(ctx context.Context, prefix, engineVersion string, logger *slog.Logger) error {
	dblogger := logger.With("dialect", d.dialect, "prefix", prefix)
	dblogger.Debug("initializing database")

	var upgraded bool
	err := d.InTx(ctx, func(tx *Tx) error {
		n, err := migrator.RunMigrations(ctx, tx, d.migrations, migrator.MigrationUp, "all", logger)
		if err != nil {
			return err
		}
		upgraded = n > 0

		version, err := queries.EngineVersion(ctx, tx, prefix)
		if err != nil {
			return err
		}
		if version.Valid {
			if upgraded {
				return nil
			}
			return &types.DuplicateError{ModelName: "schema", ID: fmt.Sprintf("prefix '%s'", prefix)}
		}

		s := &models.Schema{Prefix: prefix, EngineVersion: engineVersion, Dialect: string(d.dialect)}
		return s.Save(ctx, tx)
	})
	if err != nil {
		return err
	}

	dblogger.Info("database initialized", "upgraded", upgraded)

	return nil
}

// Inspect classifies the database content with respect to the schema instance
// with the given table prefix.
func (d *DB) Inspect(ctx context.Context, prefix string) (schema.ContentState, error) {
	model, err := schema.Read(ctx, d, prefix)
	if err != nil {
		return schema.StateForeign, err
	}
	unmanaged := schema.StateEmpty
	if len(model.Tables) > 0 {
		unmanaged = schema.StateForeign
	}

	exists, err := schema.TableExists(ctx, d, models.SchemaTable)
	if err != nil {
		return unmanaged, err
	}
	if !exists {
		return unmanaged, nil
	}

	version, err := queries.EngineVersion(ctx, d, prefix)
	if err != nil {
		return unmanaged, err
	}
	if !version.Valid {
		return unmanaged, nil
	}

	current, err := migrator.Current(ctx, d)
	if err != nil {
		return unmanaged, err
	}
	if current < migrator.Latest(d.migrations) {
		return schema.StateOutdated, nil
	}

	return schema.StateManaged, nil
}

// ServerVersion returns the version of the database server.
func (d *DB) ServerVersion(ctx context.Context) (string, error) {
	query := `SHOW server_version`
	if d.dialect.IsSQLite() {
		query = `SELECT sqlite_version()`
	}

	var version string
	if err := d.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return "", fmt.Errorf("failed reading %s server version: %w", d.dialect, err)
	}

	return version, nil
}

// NewContext returns the main database context.
func (d *DB) NewContext() context.Context {
	return d.ctx
}

// TimeNow returns the current system time.
func (d *DB) TimeNow() time.Time {
	return d.timeNow()
}

// Dialect returns the SQL dialect of the database.
func (d *DB) Dialect() types.Dialect {
	return d.dialect
}

// ExecContext runs a statement, converting placeholders for the dialect.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.dialect.Rebind(query), args...) //nolint:wrapcheck // Passthrough.
}

// QueryContext runs a query, converting placeholders for the dialect.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.dialect.Rebind(query), args...) //nolint:wrapcheck // Passthrough.
}

// QueryRowContext runs a single row query, converting placeholders for the
// dialect.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}
