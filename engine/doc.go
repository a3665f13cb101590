// Package engine applies dictionary steps to a database.
//
// A migration run discovers the steps registered by the plugin modules, selects
// the requested ones, and checks that the target database contains a schema
// instance initialized by the engine. The pending steps are then applied in
// order within a single transaction, while holding an exclusive lock on the
// schema instance. Each applied step is recorded in the step history, so that
// it's skipped in later runs.
package engine
