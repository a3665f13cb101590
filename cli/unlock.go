package cli

import (
	"fmt"

	actx "go.hackfix.me/dictstep/app/context"
	aerrors "go.hackfix.me/dictstep/app/errors"
)

// The Unlock command removes the migration lock of the schema with the
// configured table prefix. It's meant to recover from migration runs that were
// killed while holding the lock, and must not be used while a migration is
// running.
type Unlock struct{}

// Run the unlock command.
func (c *Unlock) Run(appCtx *actx.Context) (rerr error) {
	d, cfg, err := openDB(appCtx)
	if err != nil {
		return err
	}
	defer closeDB(d, &rerr)

	removed, err := d.ForceUnlock(appCtx.Ctx, cfg.Prefix)
	if err != nil {
		return aerrors.NewRuntimeError("failed removing lock", err, "")
	}
	if !removed {
		appCtx.Logger.Info("schema is not locked", "prefix", cfg.Prefix)
		return nil
	}

	fmt.Fprintf(appCtx.Stdout, "Removed lock of schema with prefix '%s'\n", cfg.Prefix)

	return nil
}
