package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/db/models"
	"go.hackfix.me/dictstep/db/queries"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
)

// The Status command shows the content state of the configured database, and
// the history of applied steps if it's managed by dictstep.
type Status struct {
	History bool   `default:"true" negatable:"" help:"Show the history of applied steps."`
	RunID   string `name:"run" placeholder:"ID" help:"Only show the steps applied by the migration run with this ID."`
}

// Run the status command.
func (c *Status) Run(appCtx *actx.Context) (rerr error) {
	d, cfg, err := openDB(appCtx)
	if err != nil {
		return err
	}
	defer closeDB(d, &rerr)

	ctx := appCtx.Ctx
	state, err := d.Inspect(ctx, cfg.Prefix)
	if err != nil {
		return aerrors.NewRuntimeError("failed inspecting database", err, "")
	}
	model, err := schema.Read(ctx, d, cfg.Prefix)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading database model", err, "")
	}

	fmt.Fprintf(appCtx.Stdout, "Prefix:   %s\n", cfg.Prefix)
	fmt.Fprintf(appCtx.Stdout, "State:    %s\n", state)
	fmt.Fprintf(appCtx.Stdout, "Tables:   %d\n", len(model.Tables))
	fmt.Fprintf(appCtx.Stdout, "Checksum: %s\n", model.Checksum())

	if state != schema.StateManaged {
		return nil
	}

	schemas, err := models.Schemas(ctx, d)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading managed schemas", err, "")
	}
	prefixes := make([]string, len(schemas))
	for i, s := range schemas {
		prefixes[i] = s.Prefix
	}
	fmt.Fprintf(appCtx.Stdout, "Schemas:  %s\n", strings.Join(prefixes, ", "))

	filter := types.NewFilter("h.prefix = ?", []any{cfg.Prefix})
	if c.RunID != "" {
		filter = filter.And(types.NewFilter("h.run_id = ?", []any{c.RunID}))
	}
	count, err := models.CountStepRecords(ctx, d, filter)
	if err != nil {
		return aerrors.NewRuntimeError("failed counting step records", err, "")
	}
	fmt.Fprintf(appCtx.Stdout, "Records:  %d\n", count)

	if d.Dialect().IsSQLite() {
		holder, err := queries.ActiveLock(ctx, d, cfg.Prefix)
		if err != nil {
			return aerrors.NewRuntimeError("failed reading lock", err, "")
		}
		if holder.Valid {
			fmt.Fprintf(appCtx.Stdout, "Locked:   by run %s\n", holder.V)
		}
	}

	if !c.History {
		return nil
	}

	records, err := models.StepRecords(ctx, d, filter)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading step history", err, "")
	}

	data := make([][]string, len(records))
	for i, r := range records {
		res := step.Result{Name: r.Name, Number: r.Number, State: r.State}
		data[i] = []string{
			strconv.Itoa(r.Seq), res.String(), r.Module, r.RunID,
			r.AppliedAt.Format(time.DateTime),
		}
	}

	if len(data) > 0 {
		fmt.Fprintln(appCtx.Stdout)
		header := []string{"Seq", "Step", "Module", "Run", "Applied at"}
		if err = renderTable(appCtx.Stdout, header, data); err != nil {
			return aerrors.NewRuntimeError("failed rendering step history", err, "")
		}
	}

	return nil
}
