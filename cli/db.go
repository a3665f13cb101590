package cli

import (
	"errors"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/engine"
)

// engineConfig returns the engine configuration of a migration run from the
// application configuration.
func engineConfig(appCtx *actx.Context) (engine.Config, error) {
	cfg := appCtx.Config
	if !cfg.Database.DSN.Valid {
		return engine.Config{}, aerrors.NewRuntimeError("no database configured", nil,
			"set the --dsn option, or database.dsn in the configuration file")
	}

	return engine.Config{
		Discovery: engine.Discovery{
			Modules: cfg.Plugin.Modules,
			Policy:  cfg.Plugin.DiscoveryFailure.V,
		},
		DSN:            cfg.Database.DSN.V,
		Dialect:        cfg.Database.Dialect.V,
		DialectVersion: cfg.Database.DialectVersion.V,
		Prefix:         cfg.Database.TablePrefix.V,
		Timeout:        cfg.Apply.Timeout.V,
		AppliedLog:     cfg.Apply.AppliedLog.V,
		Missing:        cfg.Apply.MissingSteps.V,
	}, nil
}

// openDB connects to the configured database.
func openDB(appCtx *actx.Context) (*db.DB, engine.Config, error) {
	ecfg, err := engineConfig(appCtx)
	if err != nil {
		return nil, ecfg, err
	}

	d, err := db.Open(appCtx.Ctx, ecfg.DSN, ecfg.Dialect, ecfg.DialectVersion, appCtx.TimeNow)
	if err != nil {
		return nil, ecfg, aerrors.NewRuntimeError("failed opening database", err, "")
	}

	return d, ecfg, nil
}

func closeDB(d *db.DB, rerr *error) {
	if err := d.Close(); err != nil {
		*rerr = errors.Join(*rerr, aerrors.NewRuntimeError("failed closing database", err, ""))
	}
}
