package isolation

import (
	"context"
	"fmt"

	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/step"
)

// InProcess is a Boundary that runs the engine in the current process. Panics
// raised by the engine are returned as errors.
type InProcess struct {
	engine Engine
}

var _ Boundary = (*InProcess)(nil)

// NewInProcess returns a new in-process boundary for the given step modules.
func NewInProcess(modules []step.Module, opts ...engine.Option) (*InProcess, error) {
	e, err := engine.New(modules, opts...)
	if err != nil {
		return nil, err
	}

	return &InProcess{engine: e}, nil
}

// Steps returns the descriptors of all discovered steps.
func (p *InProcess) Steps(ctx context.Context, d engine.Discovery) (steps []step.Descriptor, err error) {
	defer recoverEngine(&err)
	return p.engine.Steps(ctx, d)
}

// Apply applies the selected steps. If ctx is done before the engine returns,
// the call is abandoned and the context error is returned. The abandoned run
// rolls back its transaction, and releases the schema lock once the current
// step returns.
func (p *InProcess) Apply(
	ctx context.Context, req engine.ApplyRequest, sink progress.Sink,
) (*engine.Outcome, error) {
	type result struct {
		out *engine.Outcome
		err error
	}

	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if rec := recover(); rec != nil {
				res = result{err: fmt.Errorf("engine panicked: %v", rec)}
			}
			done <- res
		}()
		res.out, res.err = p.engine.Apply(ctx, req, sink)
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
	}

	select {
	case res := <-done:
		return res.out, res.err
	default:
		return nil, fmt.Errorf("engine call aborted: %w", ctx.Err())
	}
}

// Close is a no-op.
func (p *InProcess) Close() error {
	return nil
}

func recoverEngine(err *error) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("engine panicked: %v", rec)
	}
}
