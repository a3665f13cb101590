package engine

import (
	"log/slog"
	"time"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// Option is a function that allows configuring the Engine.
type Option func(*Engine) error

// WithLogger sets the logger used by the Engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger.With("component", "engine")
		return nil
	}
}

// WithFS sets the filesystem the applied steps log is written to.
func WithFS(fs vfs.FileSystem) Option {
	return func(e *Engine) error {
		e.fs = fs
		return nil
	}
}

// WithTimeNow sets the function used to get the current time.
func WithTimeNow(timeNow func() time.Time) Option {
	return func(e *Engine) error {
		e.timeNow = timeNow
		return nil
	}
}

// DefaultOptions returns the default Engine options.
func DefaultOptions() []Option {
	return []Option{
		WithLogger(slog.Default()),
		WithFS(osfs.New()),
		WithTimeNow(time.Now),
	}
}
