package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/step"
)

// HistoryTable is the name of the table that records applied steps.
const HistoryTable = "_dictstep_history"

// StepRecord is the record of a step applied in a migration run.
type StepRecord struct {
	// Seq is the sequence number of the record within the schema instance.
	// It's assigned on Save.
	Seq       int
	RunID     string
	Prefix    string
	Name      string
	Number    int
	State     step.State
	Module    string
	AppliedAt time.Time
}

// Save stores the step record in the database. It must be called while holding
// the lock of the schema instance.
func (r *StepRecord) Save(ctx context.Context, d types.Querier) error {
	timeNow := d.TimeNow().UTC()

	var seq int
	err := d.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE prefix = ?`, HistoryTable),
		r.Prefix).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed reading next step record sequence: %w", err)
	}

	_, err = d.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(run_id, seq, prefix, name, step_number, state, module, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, HistoryTable),
		r.RunID, seq, r.Prefix, r.Name, r.Number, r.State.String(), r.Module, timeNow.UnixNano())
	if err != nil {
		return types.Err("step record", fmt.Sprintf("prefix '%s' and sequence %d", r.Prefix, seq), err)
	}
	r.Seq = seq
	r.AppliedAt = timeNow

	return nil
}

// Key returns the key of the recorded step.
func (r *StepRecord) Key() step.Key {
	return step.Key{Name: r.Name, Number: r.Number}
}

// StepRecords returns step records from the database in the order they were
// applied. An optional filter can be passed to limit the results.
func StepRecords(ctx context.Context, d types.Querier, filter *types.Filter) (records []*StepRecord, rerr error) {
	query := `SELECT
			h.seq, h.run_id, h.prefix, h.name, h.step_number, h.state, h.module, h.applied_at
		FROM %s h WHERE %s
		ORDER BY h.prefix ASC, h.seq ASC`

	where := "1=1"
	args := []any{}
	if filter != nil {
		where = filter.Where
		args = filter.Args
	}

	query = fmt.Sprintf(query, HistoryTable, where)
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.LoadError{ModelName: "step records", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing step record rows: %w", err)
		}
	}()

	records = make([]*StepRecord, 0)
	for rows.Next() {
		var (
			r         StepRecord
			state     string
			appliedAt int64
		)
		err = rows.Scan(&r.Seq, &r.RunID, &r.Prefix, &r.Name, &r.Number, &state, &r.Module, &appliedAt)
		if err != nil {
			return nil, types.ScanError{ModelName: "step record", Err: err}
		}
		if r.State, err = step.ParseState(state); err != nil {
			return nil, types.ScanError{ModelName: "step record", Err: err}
		}
		r.AppliedAt = time.Unix(0, appliedAt).UTC()
		records = append(records, &r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over step record rows: %w", err)
	}

	return records, nil
}

// AppliedSteps folds the step history of a schema instance into the set of
// steps that are currently applied, keyed by lowercase name and number.
// Applying a teardown step resets all steps with the same name, and applying
// any other step of a name makes its teardown step pending again.
func AppliedSteps(records []*StepRecord) map[step.Key]struct{} {
	applied := map[step.Key]struct{}{}
	for _, r := range records {
		name := strings.ToLower(r.Name)
		if r.Number == step.UninstallNumber {
			for k := range applied {
				if k.Name == name {
					delete(applied, k)
				}
			}
		} else {
			delete(applied, step.Key{Name: name, Number: step.UninstallNumber})
		}
		applied[step.Key{Name: name, Number: r.Number}] = struct{}{}
	}

	return applied
}
