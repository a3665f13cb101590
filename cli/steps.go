package cli

import (
	"context"
	"strconv"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/isolation"
	"go.hackfix.me/dictstep/step"
)

// PluginArgs are the arguments of commands that load a plugin.
type PluginArgs struct {
	Plugin  string   `arg:"" help:"Path to the plugin executable."`
	Modules []string `name:"module" short:"m" help:"Only discover steps of the plugin modules with these names. Can be repeated."`
}

// boundary returns the factory of the isolation boundary of the plugin.
func (a PluginArgs) boundary(appCtx *actx.Context) isolation.Factory {
	return func(ctx context.Context) (isolation.Boundary, error) {
		return appCtx.Isolate(ctx, a.Plugin)
	}
}

// discovery returns the discovery settings of the plugin, using the modules
// set via the CLI over the configured modules.
func (a PluginArgs) discovery(d engine.Discovery) engine.Discovery {
	if len(a.Modules) > 0 {
		d.Modules = a.Modules
	}
	return d
}

// The Steps command lists the dictionary steps provided by a plugin.
type Steps struct {
	PluginArgs `embed:""`
}

// Run the steps command.
func (c *Steps) Run(appCtx *actx.Context) error {
	cfg := appCtx.Config
	d := c.discovery(engine.Discovery{
		Modules: cfg.Plugin.Modules,
		Policy:  cfg.Plugin.DiscoveryFailure.V,
	})

	var steps []step.Descriptor
	err := isolation.Run(appCtx.Ctx, c.boundary(appCtx), func(e isolation.Engine) error {
		var err error
		steps, err = e.Steps(appCtx.Ctx, d)
		return err
	})
	if err != nil {
		return aerrors.NewRuntimeError("failed listing steps", err, "")
	}

	data := make([][]string, len(steps))
	for i, s := range steps {
		num := strconv.Itoa(s.Number)
		if s.IsUninstall() {
			num = "uninstall"
		}
		data[i] = []string{s.Name, num, s.State.String(), s.Module, s.Description}
	}

	header := []string{"Name", "Number", "State", "Module", "Description"}
	if err = renderTable(appCtx.Stdout, header, data); err != nil {
		return aerrors.NewRuntimeError("failed rendering steps", err, "")
	}

	return nil
}
