package cli

import (
	"errors"
	"fmt"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
	"go.hackfix.me/dictstep/db/types"
)

// The Init command creates or upgrades the bookkeeping tables of dictstep in
// the configured database, and registers the schema with the configured table
// prefix as managed.
type Init struct{}

// Run the init command.
func (c *Init) Run(appCtx *actx.Context) (rerr error) {
	d, cfg, err := openDB(appCtx)
	if err != nil {
		return err
	}
	defer closeDB(d, &rerr)

	err = d.Init(appCtx.Ctx, cfg.Prefix, appCtx.Version.Semantic, appCtx.Logger)
	if err != nil {
		var dupErr *types.DuplicateError
		if errors.As(err, &dupErr) {
			return aerrors.NewRuntimeError(
				fmt.Sprintf("schema with prefix '%s' is already initialized", cfg.Prefix), nil, "")
		}
		return aerrors.NewRuntimeError("failed initializing database", err, "")
	}

	return nil
}
