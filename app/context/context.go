package context

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/dictstep/app/config"
	"go.hackfix.me/dictstep/isolation"
)

// Context contains common objects used by the application. It is passed around
// the application to avoid direct dependencies on external systems, and make
// testing easier.
type Context struct {
	Ctx     context.Context  // global context
	FS      vfs.FileSystem   // filesystem
	Env     Environment      // process environment
	Logger  *slog.Logger     // global logger
	TimeNow func() time.Time // current system time
	Config  *config.Config

	// Isolate creates the isolation boundary that runs the steps of the plugin
	// at pluginPath.
	Isolate IsolateFunc

	// Standard streams
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Metadata
	Version *VersionInfo
}

// IsolateFunc creates the isolation boundary of a plugin.
type IsolateFunc func(ctx context.Context, pluginPath string) (isolation.Boundary, error)
