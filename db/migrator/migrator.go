package migrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/schema"
)

// HistoryTable is the name of the table that tracks applied migrations.
const HistoryTable = "_dictstep_migrations"

// Direction is the direction migrations are run in.
type Direction int

// Valid migration directions.
const (
	MigrationUp Direction = iota
	MigrationDown
)

func (d Direction) String() string {
	if d == MigrationDown {
		return "down"
	}
	return "up"
}

// Migration is a single schema migration of the engine's bookkeeping tables.
type Migration struct {
	ID   int
	Name string
	Up   string
	Down string
}

var rxFileName = regexp.MustCompile(`^(\d+)-([\w-]+)\.(up|down)\.sql$`)

// LoadMigrations reads migration scripts from the root of fsys. Files must be
// named "{id}-{name}.{up|down}.sql", and every migration must have an up
// script. Migrations are returned sorted by ID.
func LoadMigrations(fsys fs.FS) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed reading migrations directory: %w", err)
	}

	byID := map[int]*Migration{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := rxFileName.FindStringSubmatch(e.Name())
		if match == nil {
			return nil, fmt.Errorf("invalid migration file name '%s'", e.Name())
		}

		id, err := strconv.Atoi(match[1])
		if err != nil || id < 1 {
			return nil, fmt.Errorf("invalid migration ID in file name '%s'", e.Name())
		}

		m, ok := byID[id]
		if !ok {
			m = &Migration{ID: id, Name: match[2]}
			byID[id] = m
		} else if m.Name != match[2] {
			return nil, fmt.Errorf("migration %d has conflicting names '%s' and '%s'", id, m.Name, match[2])
		}

		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed reading migration file '%s': %w", e.Name(), err)
		}
		if match[3] == "up" {
			m.Up = string(data)
		} else {
			m.Down = string(data)
		}
	}

	migs := make([]*Migration, 0, len(byID))
	for _, m := range byID {
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %d-%s has no up script", m.ID, m.Name)
		}
		migs = append(migs, m)
	}
	slices.SortFunc(migs, func(a, b *Migration) int { return a.ID - b.ID })

	return migs, nil
}

// Latest returns the ID of the last migration, or 0 if there are none.
func Latest(migs []*Migration) int {
	if len(migs) == 0 {
		return 0
	}
	return migs[len(migs)-1].ID
}

// Current returns the ID of the last applied migration, or 0 if no migrations
// were applied.
func Current(ctx context.Context, d types.Querier) (int, error) {
	exists, err := schema.TableExists(ctx, d, HistoryTable)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var id int
	err = d.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, HistoryTable)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed reading current migration: %w", err)
	}

	return id, nil
}

// RunMigrations applies migrations in the given direction until target is
// reached. target is either a migration ID or "all". It returns the number of
// migrations that were run. The caller is responsible for running this within
// a transaction.
func RunMigrations(
	ctx context.Context, d types.Querier, migs []*Migration, dir Direction,
	target string, logger *slog.Logger,
) (int, error) {
	_, err := d.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         INTEGER NOT NULL PRIMARY KEY,
		name       TEXT    NOT NULL,
		applied_at BIGINT  NOT NULL
	)`, HistoryTable))
	if err != nil {
		return 0, fmt.Errorf("failed creating migration history table: %w", err)
	}

	current, err := Current(ctx, d)
	if err != nil {
		return 0, err
	}

	targetID, err := resolveTarget(migs, dir, target)
	if err != nil {
		return 0, err
	}

	plan := make([]*Migration, 0, len(migs))
	for _, m := range migs {
		switch {
		case dir == MigrationUp && m.ID > current && m.ID <= targetID:
			plan = append(plan, m)
		case dir == MigrationDown && m.ID <= current && m.ID > targetID:
			plan = append(plan, m)
		}
	}
	if dir == MigrationDown {
		slices.Reverse(plan)
	}

	for _, m := range plan {
		mlogger := logger.With("id", m.ID, "name", m.Name, "direction", dir.String())
		mlogger.Debug("running migration")

		script := m.Up
		if dir == MigrationDown {
			script = m.Down
			if strings.TrimSpace(script) == "" {
				return 0, fmt.Errorf("migration %d-%s can't be reverted", m.ID, m.Name)
			}
		}

		for _, stmt := range splitStatements(script) {
			if _, err = d.ExecContext(ctx, stmt); err != nil {
				return 0, fmt.Errorf("failed running migration %d-%s %s: %w", m.ID, m.Name, dir, err)
			}
		}

		if dir == MigrationUp {
			_, err = d.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (id, name, applied_at) VALUES (?, ?, ?)`, HistoryTable),
				m.ID, m.Name, d.TimeNow().UTC().UnixNano())
		} else {
			_, err = d.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, HistoryTable), m.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed updating migration history: %w", err)
		}

		mlogger.Info("applied migration")
	}

	return len(plan), nil
}

func resolveTarget(migs []*Migration, dir Direction, target string) (int, error) {
	if target == "all" {
		if dir == MigrationDown {
			return 0, nil
		}
		return Latest(migs), nil
	}

	id, err := strconv.Atoi(target)
	if err != nil {
		return 0, fmt.Errorf("invalid migration target '%s'", target)
	}
	if id == 0 && dir == MigrationDown {
		return 0, nil
	}
	if !slices.ContainsFunc(migs, func(m *Migration) bool { return m.ID == id }) {
		return 0, errors.New("migration target doesn't exist")
	}

	return id, nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
