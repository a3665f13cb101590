package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"github.com/nrednav/cuid2"

	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/step"
)

const releaseTimeout = 10 * time.Second

// Process is a Boundary that runs the engine in a plugin subprocess.
type Process struct {
	path         string
	logger       *slog.Logger
	stderr       io.Writer
	startTimeout time.Duration
	abortGrace   time.Duration

	client *plugin.Client
	engine *EngineRPCClient
	// started is set once the plugin process completed the handshake.
	started bool

	closeOnce sync.Once
	closeErr  error
}

var _ Boundary = (*Process)(nil)

// ProcessOption is a function that allows configuring a Process.
type ProcessOption func(*Process) error

// WithLogger sets the logger the plugin process logs are written to.
func WithLogger(logger *slog.Logger) ProcessOption {
	return func(p *Process) error {
		p.logger = logger.With("component", "plugin")
		return nil
	}
}

// WithStderr sets the writer the plugin's stderr output that isn't a log entry
// is written to.
func WithStderr(w io.Writer) ProcessOption {
	return func(p *Process) error {
		p.stderr = w
		return nil
	}
}

// WithStartTimeout sets how long to wait for the plugin process to start.
func WithStartTimeout(timeout time.Duration) ProcessOption {
	return func(p *Process) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid plugin start timeout: %s", timeout)
		}
		p.startTimeout = timeout
		return nil
	}
}

// WithAbortGrace sets how long to wait for the plugin process to roll back
// after the deadline of a call passed, before it's killed.
func WithAbortGrace(grace time.Duration) ProcessOption {
	return func(p *Process) error {
		if grace < 0 {
			return fmt.Errorf("invalid plugin abort grace period: %s", grace)
		}
		p.abortGrace = grace
		return nil
	}
}

// DefaultProcessOptions returns the default Process options.
func DefaultProcessOptions() []ProcessOption {
	return []ProcessOption{
		WithLogger(slog.Default()),
		WithStderr(io.Discard),
		WithStartTimeout(time.Minute),
		WithAbortGrace(5 * time.Second),
	}
}

// NewProcess starts the plugin executable at path, and connects to the engine
// it serves. The returned Process must be closed to stop the plugin process.
func NewProcess(ctx context.Context, path string, opts ...ProcessOption) (*Process, error) {
	p := &Process{path: path}
	for _, opt := range append(DefaultProcessOptions(), opts...) {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed loading plugin: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("failed loading plugin: '%s' is a directory", path)
	}

	p.logger.Debug("starting plugin process", "path", path)
	p.client = plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginSet(nil),
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           hclogAdapter(p.logger),
		Stderr:           p.stderr,
		StartTimeout:     p.startTimeout,
	})

	if err = p.connect(ctx); err != nil {
		return nil, errors.Join(err, p.Close())
	}

	return p, nil
}

func (p *Process) connect(ctx context.Context) error {
	rpcClient, err := p.client.Client()
	if err != nil {
		return fmt.Errorf("failed starting plugin '%s': %w", p.path, err)
	}
	p.started = true

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		return fmt.Errorf("failed dispensing engine from plugin '%s': %w", p.path, err)
	}

	ec, ok := raw.(*EngineRPCClient)
	if !ok {
		return fmt.Errorf("plugin '%s' dispensed unexpected type %T", p.path, raw)
	}
	ec.abort = p.client.Kill
	ec.grace = p.abortGrace
	p.engine = ec

	return ctx.Err()
}

// Steps returns the descriptors of all steps discovered in the plugin.
func (p *Process) Steps(ctx context.Context, d engine.Discovery) ([]step.Descriptor, error) {
	return p.engine.Steps(ctx, d)
}

// Apply applies the selected steps in the plugin process. If the deadline of
// ctx passes, the plugin is given the abort grace period to roll back before
// it's killed. If ctx is canceled, it's killed right away. Killing the plugin
// rolls back the migration transaction, and the schema lock it left behind is
// removed.
func (p *Process) Apply(ctx context.Context, req engine.ApplyRequest, sink progress.Sink) (*engine.Outcome, error) {
	if req.RunID == "" {
		req.RunID = cuid2.Generate()
	}

	out, err := p.engine.Apply(ctx, req, sink)
	if err != nil && p.engine.killed.Load() {
		if rerr := p.releaseLock(req); rerr != nil {
			p.logger.Warn("failed removing lock of killed plugin process",
				"prefix", req.Config.Prefix, "run_id", req.RunID, "error", rerr)
		}
	}

	return out, err
}

func (p *Process) releaseLock(req engine.ApplyRequest) error {
	cfg := req.Config
	if !cfg.Dialect.IsSQLite() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	d, err := db.Open(ctx, cfg.DSN, cfg.Dialect, "", time.Now)
	if err != nil {
		return err
	}
	defer d.Close()

	removed, err := d.ReleaseHolder(ctx, cfg.Prefix, req.RunID)
	if err != nil {
		return err
	}
	if removed {
		p.logger.Warn("removed lock of killed plugin process",
			"prefix", cfg.Prefix, "run_id", req.RunID)
	}

	return nil
}

// Close stops the plugin process and waits for it to exit. It's safe to call
// multiple times, and on a nil Process.
func (p *Process) Close() error {
	if p == nil {
		return nil
	}

	p.closeOnce.Do(func() {
		if p.client == nil {
			return
		}
		p.client.Kill()
		if p.started && !p.client.Exited() {
			p.closeErr = &TeardownError{Path: p.path, Err: errors.New("plugin process didn't exit")}
			return
		}
		p.logger.Debug("stopped plugin process", "path", p.path)
	})

	return p.closeErr
}

// hclogAdapter returns an hclog.Logger that writes to logger, filtering entries
// below the level enabled in logger.
func hclogAdapter(logger *slog.Logger) hclog.Logger {
	level := hclog.Error
	for _, l := range []struct {
		slog  slog.Level
		hclog hclog.Level
	}{
		{slog.LevelDebug, hclog.Debug},
		{slog.LevelInfo, hclog.Info},
		{slog.LevelWarn, hclog.Warn},
	} {
		if logger.Enabled(context.Background(), l.slog) {
			level = l.hclog
			break
		}
	}

	return hclog.FromStandardLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo), &hclog.LoggerOptions{
		Name:        "plugin",
		Level:       level,
		DisableTime: true,
	})
}
