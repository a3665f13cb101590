// Package sdk is used by plugin authors to serve their dictionary steps to the
// dictstep host.
package sdk

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/isolation"
	"go.hackfix.me/dictstep/step"
)

// timestampFormat is the timestamp format of go-plugin log entries.
const timestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Serve serves the migration engine for the given step modules, and blocks
// until the host process terminates the connection. It must be called from
// the main function of the plugin executable.
//
// Usage:
//
//	func main() {
//	    sdk.Serve(step.Module{Name: "crm", Steps: crm.Steps})
//	}
func Serve(modules ...step.Module) {
	// The logger must be created before serving, since go-plugin redirects
	// os.Stderr afterwards.
	logger := NewLogger(os.Stderr, slog.LevelDebug)

	eng, err := engine.New(modules, engine.WithLogger(logger))
	if err != nil {
		logger.Error("failed creating engine", "error", err)
		os.Exit(1)
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: isolation.Handshake,
		Plugins:         isolation.PluginSet(eng),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "dictstep-plugin",
			Output:     os.Stderr,
			Level:      hclog.Info,
			JSONFormat: true,
		}),
	})
}

// NewLogger returns a logger that writes JSON entries in the format the
// go-plugin host parses, so that they're logged by the host process.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.LevelKey:
				return slog.String("@level", strings.ToLower(a.Value.String()))
			case slog.MessageKey:
				return slog.String("@message", a.Value.String())
			case slog.TimeKey:
				return slog.String("@timestamp", a.Value.Time().Format(timestampFormat))
			}
			return a
		},
	}))
}
