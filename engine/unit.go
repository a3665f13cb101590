package engine

import (
	"context"
	"database/sql"
	"fmt"

	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
)

// unit is the step.Unit a single step is applied within. Schema changes are
// validated against a copy of the working model, executed in the migration
// transaction, and only then made visible in the model.
type unit struct {
	tx     *db.Tx
	prefix string
	model  *schema.Model
	sink   progress.Sink
	event  progress.Event
}

var _ step.Unit = (*unit)(nil)

func (u *unit) Dialect() string {
	return string(u.tx.Dialect())
}

func (u *unit) Prefix() string {
	return u.prefix
}

func (u *unit) Table(name string) string {
	return u.prefix + name
}

func (u *unit) Model() *schema.Model {
	return u.model
}

func (u *unit) CreateTable(ctx context.Context, name string, columns ...schema.Column) error {
	t := schema.Table{Name: u.Table(name), Columns: columns}
	return u.change(ctx, schema.CreateTableSQL(t), func(m *schema.Model) error {
		return m.AddTable(t)
	})
}

func (u *unit) DropTable(ctx context.Context, name string) error {
	table := u.Table(name)
	return u.change(ctx, schema.DropTableSQL(table), func(m *schema.Model) error {
		return m.RemoveTable(table)
	})
}

func (u *unit) AddColumn(ctx context.Context, table string, column schema.Column) error {
	table = u.Table(table)
	return u.change(ctx, schema.AddColumnSQL(table, column), func(m *schema.Model) error {
		return m.AddColumn(table, column)
	})
}

func (u *unit) DropColumn(ctx context.Context, table, column string) error {
	table = u.Table(table)
	return u.change(ctx, schema.DropColumnSQL(table, column), func(m *schema.Model) error {
		return m.RemoveColumn(table, column)
	})
}

// Exec runs a statement the model can't track, so the model is read again from
// the transaction afterwards.
func (u *unit) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := u.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed executing statement: %w", err)
	}

	model, err := schema.Read(ctx, u.tx, u.prefix)
	if err != nil {
		return fmt.Errorf("failed reading model after statement: %w", err)
	}
	u.model = model

	return nil
}

func (u *unit) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return u.tx.QueryRowContext(ctx, query, args...)
}

func (u *unit) Progress(msg string) {
	ev := u.event
	ev.Kind = progress.StepMessage
	ev.Message = msg
	ev.Time = u.tx.TimeNow()
	progress.Notify(u.sink, ev)
}

func (u *unit) change(ctx context.Context, stmt string, apply func(*schema.Model) error) error {
	next := u.model.Clone()
	if err := apply(next); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed executing '%s': %w", stmt, err)
	}
	u.model = next

	return nil
}
