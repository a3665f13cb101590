package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/isolation"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/report"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/selector"
)

// The Apply command applies dictionary steps provided by a plugin to the
// configured database.
type Apply struct {
	PluginArgs `embed:""`

	Uninstall    bool          `help:"Apply the teardown steps of the selected step names instead of their install steps."`
	Step         []string      `short:"s" placeholder:"NAME[:NUMBER]" help:"Step to apply. Can be repeated. All steps are applied if no step is selected."`
	SelectFile   string        `placeholder:"PATH" help:"Path to a TOML file with the steps to apply."`
	Timeout      time.Duration `type:"xduration" help:"Maximum duration of the migration run, e.g. '90s' or '10m'."`
	MissingSteps string        `help:"How to handle selected steps the plugin doesn't provide (ignore, warn, error)."`
	JSON         bool          `help:"Output the results as a JSON report."`
}

// Run the apply command.
func (c *Apply) Run(appCtx *actx.Context) error {
	req, err := c.request(appCtx)
	if err != nil {
		return err
	}

	sink := progress.Log(appCtx.Logger)
	var out *engine.Outcome
	err = isolation.Run(appCtx.Ctx, c.boundary(appCtx), func(e isolation.Engine) error {
		ctx := appCtx.Ctx
		if req.Config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Config.Timeout)
			defer cancel()
		}

		var err error
		out, err = e.Apply(ctx, req, sink)
		return err
	})
	if err != nil {
		return aerrors.NewRuntimeError("failed applying steps", applyError(err, req), applyHint(err))
	}

	if out.ContentState != schema.StateManaged {
		appCtx.Logger.Info("run 'dictstep init' to manage this database",
			"content_state", out.ContentState.String())
	}

	if c.JSON {
		data, err := report.Marshal(report.FromOutcome(out))
		if err != nil {
			return aerrors.NewRuntimeError("failed serializing report", err, "")
		}
		_, err = fmt.Fprintln(appCtx.Stdout, string(data))
		return err
	}

	data := make([][]string, 0, len(out.Results)+len(out.Skipped))
	for _, r := range out.Results {
		data = append(data, []string{r.String(), r.State.String()})
	}
	for _, s := range out.Skipped {
		data = append(data, []string{s.String(), "Skipped"})
	}

	header := []string{"Step", "State"}
	if err = renderTable(appCtx.Stdout, header, data); err != nil {
		return aerrors.NewRuntimeError("failed rendering results", err, "")
	}

	return nil
}

// request builds the apply request from the configuration and the values set
// via the CLI.
func (c *Apply) request(appCtx *actx.Context) (engine.ApplyRequest, error) {
	cfg, err := engineConfig(appCtx)
	if err != nil {
		return engine.ApplyRequest{}, err
	}
	cfg.Discovery = c.discovery(cfg.Discovery)
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	if c.MissingSteps != "" {
		if cfg.Missing, err = selector.ParseMissingPolicy(c.MissingSteps); err != nil {
			return engine.ApplyRequest{}, aerrors.NewRuntimeError("invalid option", err, "")
		}
	}

	var sel selector.Request
	if c.SelectFile != "" {
		if sel, err = selector.LoadRequest(appCtx.FS, c.SelectFile); err != nil {
			return engine.ApplyRequest{}, aerrors.NewRuntimeError("invalid selection", err, "")
		}
	}
	for _, s := range c.Step {
		k, err := step.ParseKey(s)
		if err != nil {
			return engine.ApplyRequest{}, aerrors.NewRuntimeError("invalid selection", err, "")
		}
		sel.Steps = append(sel.Steps, k)
	}
	if c.Uninstall {
		sel.UninstallOnly = true
	}

	return engine.ApplyRequest{Config: cfg, Selection: sel, RunID: cuid2.Generate()}, nil
}

// applyError attaches the details of the failed migration run to err, so that
// they're logged along with it.
func applyError(err error, req engine.ApplyRequest) error {
	fields := []any{"prefix", req.Config.Prefix, "run_id", req.RunID}
	var appErr *engine.ApplicationError
	if errors.As(err, &appErr) {
		fields = append(fields, "phase", string(appErr.Phase))
		if appErr.Step.Name != "" {
			fields = append(fields, "step", appErr.Step.String())
		}
	}

	return aerrors.With(err, fields...)
}

func applyHint(err error) string {
	var (
		lockErr     *types.LockedError
		connErr     *engine.ConnectionError
		teardownErr *isolation.TeardownError
	)
	switch {
	case errors.As(err, &lockErr):
		return "run 'dictstep unlock' if no other migration is running"
	case errors.As(err, &connErr):
		return "check the --dsn and --dialect options"
	case errors.As(err, &teardownErr):
		return fmt.Sprintf("the plugin process of '%s' may still be running", teardownErr.Path)
	case errors.Is(err, context.DeadlineExceeded):
		return "increase the --timeout option, or apply.timeout in the configuration file"
	}
	return ""
}
