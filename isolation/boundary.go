// Package isolation runs the migration engine behind a disposable boundary.
//
// The main boundary is a plugin subprocess started with go-plugin, so that a
// crashing or misbehaving step can't take down the host process, and so that
// no plugin code or state outlives a migration run. An in-process boundary is
// available for embedding the engine directly.
package isolation

import (
	"context"
	"errors"
	"fmt"

	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/step"
)

// Engine is the engine API available across a boundary.
type Engine interface {
	Steps(ctx context.Context, d engine.Discovery) ([]step.Descriptor, error)
	Apply(ctx context.Context, req engine.ApplyRequest, sink progress.Sink) (*engine.Outcome, error)
}

// Boundary is an Engine running behind an isolation boundary. A Boundary is
// created for a single migration run, and must be closed afterwards.
type Boundary interface {
	Engine
	// Close releases all resources of the boundary. It's safe to call
	// multiple times.
	Close() error
}

// Factory creates a new Boundary.
type Factory func(ctx context.Context) (Boundary, error)

// TeardownError is returned when a boundary couldn't release all of its
// resources, e.g. when the plugin process didn't exit.
type TeardownError struct {
	Path string
	Err  error
}

// Error returns a string representation of the error.
func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed tearing down plugin '%s': %s", e.Path, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *TeardownError) Unwrap() error {
	return e.Err
}

// Run creates a boundary, calls fn with it, and closes it, regardless of
// whether fn succeeded. Teardown errors are joined with the error of fn.
func Run(ctx context.Context, create Factory, fn func(Engine) error) (rerr error) {
	b, err := create(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			rerr = errors.Join(rerr, cerr)
		}
	}()

	return fn(b)
}
