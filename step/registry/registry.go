package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.hackfix.me/dictstep/step"
)

// FailurePolicy determines how discovery handles modules that fail to load.
type FailurePolicy int

// Valid failure policies.
const (
	// SkipFailed logs modules that fail to load and continues with the rest.
	// Discovery still fails if the failed module is the only one in scope.
	SkipFailed FailurePolicy = iota
	// FailFast aborts discovery on the first module that fails to load.
	FailFast
)

func (p FailurePolicy) String() string {
	switch p {
	case SkipFailed:
		return "skip"
	case FailFast:
		return "fail"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses a failure policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "skip":
		return SkipFailed, nil
	case "fail":
		return FailFast, nil
	}
	return SkipFailed, fmt.Errorf("invalid discovery failure policy '%s'", s)
}

// DiscoveryError is returned when step definitions couldn't be loaded from a
// module, or when the loaded definitions are invalid.
type DiscoveryError struct {
	Module string
	Err    error
}

// Error returns a string representation of the error.
func (e *DiscoveryError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("step discovery failed: %s", e.Err)
	}
	return fmt.Sprintf("step discovery failed for module '%s': %s", e.Module, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Registry discovers dictionary steps from the modules registered by a plugin.
type Registry struct {
	modules   []step.Module
	allowlist []string
	policy    FailurePolicy
	logger    *slog.Logger
}

// New returns a new Registry for the given modules.
func New(modules []step.Module, opts ...Option) (*Registry, error) {
	r := &Registry{modules: modules}
	for _, opt := range append(DefaultOptions(), opts...) {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Discover loads the step definitions of all modules in scope. A module is in
// scope if it's in the allowlist, or if no allowlist was configured.
func (r *Registry) Discover() (*Catalog, error) {
	modules, err := r.inScope()
	if err != nil {
		return nil, err
	}

	cat := &Catalog{defs: map[catalogKey]entry{}}
	var loaded int
	for _, mod := range modules {
		defs, err := loadModule(mod)
		if err != nil {
			derr := &DiscoveryError{Module: mod.Name, Err: err}
			if r.policy == FailFast || len(modules) == 1 {
				return nil, derr
			}
			r.logger.Warn("skipping module that failed to load",
				"module", mod.Name, "error", err)
			continue
		}

		for _, def := range defs {
			if err = cat.add(mod.Name, def); err != nil {
				return nil, &DiscoveryError{Module: mod.Name, Err: err}
			}
		}
		loaded++
		r.logger.Debug("loaded module", "module", mod.Name, "steps", len(defs))
	}

	if len(modules) > 0 && loaded == 0 {
		return nil, &DiscoveryError{Err: errors.New("no module could be loaded")}
	}

	return cat, nil
}

func (r *Registry) inScope() ([]step.Module, error) {
	if len(r.allowlist) == 0 {
		return r.modules, nil
	}

	modules := make([]step.Module, 0, len(r.allowlist))
	for _, name := range r.allowlist {
		idx := slices.IndexFunc(r.modules, func(m step.Module) bool {
			return strings.EqualFold(m.Name, name)
		})
		if idx == -1 {
			return nil, &DiscoveryError{Module: name, Err: errors.New("module is not registered")}
		}
		modules = append(modules, r.modules[idx])
	}

	return modules, nil
}

// loadModule calls the module loader, converting panics into errors.
func loadModule(mod step.Module) (defs []step.Definition, err error) {
	if mod.Steps == nil {
		return nil, errors.New("module has no step loader")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("module loader panicked: %v", rec)
		}
	}()

	return mod.Steps()
}
