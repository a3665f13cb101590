package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"go.hackfix.me/dictstep/app/config"
	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/db/types"
)

// appliedLogName is the name of the applied steps log file in the data
// directory.
const appliedLogName = "appliedstep.log"

// CLI is the command line interface of dictstep.
type CLI struct {
	Steps  Steps  `kong:"cmd,help='List the dictionary steps provided by a plugin.'"`
	Apply  Apply  `kong:"cmd,help='Apply dictionary steps provided by a plugin.'"`
	Init   Init   `kong:"cmd,help='Prepare a database for managed migrations.'"`
	Status Status `kong:"cmd,help='Show the state and step history of a database.'"`
	Unlock Unlock `kong:"cmd,help='Remove a stale migration lock.'"`

	Database struct {
		DSN            string `help:"Data source name of the target database."`
		Dialect        string `help:"SQL dialect of the target database (sqlite, postgres, libsql)."`
		DialectVersion string `help:"Required prefix of the database server version, e.g. '16.'."`
		Prefix         string `help:"Table prefix of the managed schema."`
	} `embed:""`

	Log struct {
		Level slog.Level `enum:"DEBUG,INFO,WARN,ERROR" default:"INFO" help:"Set the app logging level."`
	} `embed:"" prefix:"log-"`
	// NOTE: I'm deliberately not using kong.ConfigFlag or its support for reading
	// values from configuration files, since I want to manage configuration
	// independently from the CLI.
	ConfigFile string           `kong:"default='${configFile}',help='Path to the dictstep configuration file.'"`
	DataDir    string           `kong:"default='${dataDir}',help='Path to the directory where dictstep data is stored.'"`
	Version    kong.VersionFlag `kong:"help='Output version and exit.'"`

	kong *kong.Kong
	kctx *kong.Context
}

// New initializes the command-line interface.
func New(appCtx *actx.Context, configFilePath, dataDir, version string) (*CLI, error) {
	c := &CLI{}
	opts := []kong.Option{
		kong.Name("dictstep"),
		kong.Description("Apply dictionary steps of plugins to relational databases."),
		kong.UsageOnError(),
		kong.DefaultEnvars("DICTSTEP"),
		kong.NamedMapper("xduration", DurationMapper{}),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			Summary:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"configFile": configFilePath,
			"dataDir":    dataDir,
			"version":    version,
		},
	}
	if appCtx.Stdout != nil && appCtx.Stderr != nil {
		opts = append(opts, kong.Writers(appCtx.Stdout, appCtx.Stderr))
	}

	kparser, err := kong.New(c, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed creating the Kong parser: %w", err)
	}

	c.kong = kparser

	return c, nil
}

// Configure loads the configuration file if the application wasn't given a
// configuration already, and applies the values set via the CLI to it. CLI
// values take precedence over configuration values. Parse must be called
// before this method.
func (c *CLI) Configure(appCtx *actx.Context) error {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}

	if appCtx.Config == nil {
		cfg := config.NewConfig(appCtx.FS, c.ConfigFile)
		if err := cfg.Load(); err != nil {
			return aerrors.NewRuntimeError("failed loading configuration", err, "")
		}
		appCtx.Config = cfg
	}

	if err := c.ApplyFlags(appCtx.Config); err != nil {
		return err
	}
	appCtx.Config.SetDefaults()

	if !appCtx.Config.Apply.AppliedLog.Valid {
		appCtx.Config.Apply.AppliedLog = sql.Null[string]{
			V: filepath.Join(c.DataDir, appliedLogName), Valid: true,
		}
	}

	return nil
}

// Execute starts the command execution. Parse must be called before this method.
func (c *CLI) Execute(appCtx *actx.Context) error {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	c.kong.Stdout = appCtx.Stdout
	c.kong.Stderr = appCtx.Stderr

	//nolint:wrapcheck // This is fine.
	return c.kctx.Run(appCtx)
}

// Parse the given command line arguments. This method must be called before
// Execute.
func (c *CLI) Parse(args []string) error {
	kctx, err := c.kong.Parse(args)
	if err != nil {
		return fmt.Errorf("failed parsing CLI arguments: %w", err)
	}
	c.kctx = kctx

	return nil
}

// Command returns the full path of the executed command.
func (c *CLI) Command() string {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	cmdPath := []string{}
	for _, p := range c.kctx.Path {
		if p.Command != nil {
			cmdPath = append(cmdPath, p.Command.Name)
		}
	}

	return strings.Join(cmdPath, " ")
}

// ApplyFlags applies the global values set via the CLI to the configuration,
// overriding the configured values.
func (c *CLI) ApplyFlags(cfg *config.Config) error {
	if c.Database.DSN != "" {
		cfg.Database.DSN = sql.Null[string]{V: c.Database.DSN, Valid: true}
	}
	if c.Database.Dialect != "" {
		d, err := types.ParseDialect(c.Database.Dialect)
		if err != nil {
			return err
		}
		cfg.Database.Dialect = sql.Null[types.Dialect]{V: d, Valid: true}
	}
	if c.Database.DialectVersion != "" {
		cfg.Database.DialectVersion = sql.Null[string]{V: c.Database.DialectVersion, Valid: true}
	}
	if c.Database.Prefix != "" {
		cfg.Database.TablePrefix = sql.Null[string]{V: c.Database.Prefix, Valid: true}
	}

	return nil
}
