package registry

import (
	"log/slog"
)

// Option is a function that allows configuring the Registry.
type Option func(*Registry) error

// WithModules limits discovery to the modules with the given names.
func WithModules(names ...string) Option {
	return func(r *Registry) error {
		r.allowlist = names
		return nil
	}
}

// WithFailurePolicy sets how modules that fail to load are handled.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(r *Registry) error {
		r.policy = p
		return nil
	}
}

// WithLogger sets the logger used by the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger.With("component", "registry")
		return nil
	}
}

// DefaultOptions returns the default Registry options.
func DefaultOptions() []Option {
	return []Option{
		WithFailurePolicy(SkipFailed),
		WithLogger(slog.Default()),
	}
}
