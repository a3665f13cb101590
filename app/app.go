package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"

	actx "go.hackfix.me/dictstep/app/context"
	"go.hackfix.me/dictstep/cli"
	"go.hackfix.me/dictstep/isolation"
)

// App is the application.
type App struct {
	name string
	ctx  *actx.Context
	cli  *cli.CLI
	// the logging level is set via the CLI, if the app was initialized with the
	// WithLogger option.
	logLevel *slog.LevelVar
}

// New initializes a new application. configFilePath and dataDir are the
// default locations of the configuration file and the application data, which
// can be overridden via the CLI.
func New(name, configFilePath, dataDir string, opts ...Option) (*App, error) {
	version, err := actx.GetVersion()
	if err != nil {
		return nil, err
	}

	defaultCtx := &actx.Context{
		Ctx:     context.Background(),
		FS:      memoryfs.New(),
		Logger:  slog.Default(),
		TimeNow: time.Now,
		Version: version,
	}
	app := &App{name: name, ctx: defaultCtx}

	for _, opt := range opts {
		opt(app)
	}

	if app.ctx.Isolate == nil {
		app.ctx.Isolate = app.processIsolation
	}

	ver := fmt.Sprintf("%s %s", app.name, app.ctx.Version.String())
	app.cli, err = cli.New(app.ctx, configFilePath, dataDir, ver)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run initializes the application environment and starts execution of the
// application.
func (app *App) Run(args []string) error {
	if err := app.cli.Parse(args); err != nil {
		return err
	}

	if app.logLevel != nil {
		app.logLevel.Set(app.cli.Log.Level)
		slog.SetLogLoggerLevel(app.cli.Log.Level)
	}

	if err := app.cli.Configure(app.ctx); err != nil {
		return err
	}
	app.ctx.Logger.Debug("running command", "command", app.cli.Command(),
		"config", app.ctx.Config.Path())

	if err := app.cli.Execute(app.ctx); err != nil {
		return err
	}

	return nil
}

// processIsolation runs plugins in a subprocess, which is the default
// isolation of the application.
func (app *App) processIsolation(ctx context.Context, pluginPath string) (isolation.Boundary, error) {
	opts := []isolation.ProcessOption{
		isolation.WithLogger(app.ctx.Logger),
		isolation.WithStderr(app.ctx.Stderr),
	}
	if cfg := app.ctx.Config; cfg != nil && cfg.Plugin.StartTimeout.Valid {
		opts = append(opts, isolation.WithStartTimeout(cfg.Plugin.StartTimeout.V))
	}

	//nolint:wrapcheck // This is fine.
	return isolation.NewProcess(ctx, pluginPath, opts...)
}
