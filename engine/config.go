package engine

import (
	"time"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/registry"
	"go.hackfix.me/dictstep/step/selector"
)

// Discovery configures which plugin modules steps are discovered from.
type Discovery struct {
	// Modules is the allowlist of module names. All registered modules are
	// scanned if it's empty.
	Modules []string
	Policy  registry.FailurePolicy
}

// Config is the configuration of a single migration run.
type Config struct {
	Discovery

	DSN            string
	Dialect        types.Dialect
	DialectVersion string
	// Prefix is the table prefix of the target schema instance.
	Prefix string
	// Timeout is the deadline of the apply phase. Zero means no deadline.
	Timeout time.Duration
	// AppliedLog is the path of the file applied steps are appended to. The
	// file isn't written if it's empty.
	AppliedLog string
	// Missing is the policy for requested steps that weren't discovered.
	Missing selector.MissingPolicy
}

// ApplyRequest is the input of Engine.Apply.
type ApplyRequest struct {
	Config    Config
	Selection selector.Request
	// RunID is the ID of the migration run, which is also the holder of the
	// schema lock. A new ID is generated if it's empty.
	RunID string
}

// Outcome is the result of a migration run.
type Outcome struct {
	RunID        string
	ContentState schema.ContentState
	// Results contains the applied steps in the order they were applied. It's
	// empty if the target database isn't managed, or if nothing was pending.
	Results []step.Result
	// Skipped contains the selected steps that were already applied.
	Skipped []step.Descriptor
	// Unmatched contains the requested steps that weren't discovered.
	Unmatched      []step.Key
	ChecksumBefore string
	ChecksumAfter  string
}
