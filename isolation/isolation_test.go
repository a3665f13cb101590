package isolation_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/isolation"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/sdk"
	"go.hackfix.me/dictstep/step"
)

const prefix = "app_"

// TestMain serves the test step modules when the test binary is started as a
// plugin process.
func TestMain(m *testing.M) {
	if os.Getenv(isolation.Handshake.MagicCookieKey) == isolation.Handshake.MagicCookieValue {
		sdk.Serve(testModules()...)
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func testModules() []step.Module {
	def := func(name string, num int, fn step.Func) step.Definition {
		return step.Definition{
			Name: name, Number: num, State: step.StateReleased,
			New: func() (step.Step, error) { return fn, nil },
		}
	}

	return []step.Module{
		{
			Name: "core",
			Steps: func() ([]step.Definition, error) {
				return []step.Definition{
					def("AddColumn", 1, func(ctx context.Context, u step.Unit) error {
						u.Progress("adding email column")
						return u.AddColumn(ctx, "users", schema.Column{Name: "email", Type: "TEXT"})
					}),
					def("AddColumn", step.UninstallNumber, func(ctx context.Context, u step.Unit) error {
						return u.DropColumn(ctx, "users", "email")
					}),
					def("Crash", 1, func(context.Context, step.Unit) error {
						os.Exit(3)
						return nil
					}),
					def("Hung", 1, func(context.Context, step.Unit) error {
						time.Sleep(3 * time.Second)
						return nil
					}),
					def("Slow", 1, func(ctx context.Context, _ step.Unit) error {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(time.Minute):
							return nil
						}
					}),
				}, nil
			},
		},
		{
			Name: "broken",
			Steps: func() ([]step.Definition, error) {
				return nil, errors.New("missing dependency")
			},
		},
	}
}

func newTestDB(t *testing.T, dsn string) {
	t.Helper()

	ctx := t.Context()
	d, err := db.Open(ctx, dsn, types.SQLite, "", time.Now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.ExecContext(ctx, `CREATE TABLE app_users (id INTEGER NOT NULL, name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, d.Init(ctx, prefix, "v1.0.0", slog.New(slog.DiscardHandler)))
}

func memoryDSN(t *testing.T) string {
	t.Helper()

	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	return fmt.Sprintf("file:dictstep-%x?mode=memory&cache=shared", rndName)
}

func request(dsn string, keys ...step.Key) engine.ApplyRequest {
	req := engine.ApplyRequest{Config: engine.Config{
		Discovery: engine.Discovery{Modules: []string{"core"}},
		DSN:       dsn,
		Dialect:   types.SQLite,
		Prefix:    prefix,
	}}
	req.Selection.Steps = keys
	return req
}

// collector is a progress.Sink that records event kinds.
type collector struct {
	mx    sync.Mutex
	kinds []progress.Kind
}

func (c *collector) Notify(ev progress.Event) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.kinds = append(c.kinds, ev.Kind)
}

func (c *collector) Kinds() []progress.Kind {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]progress.Kind{}, c.kinds...)
}

var addColumn = step.Key{Name: "AddColumn", Number: 1}

func TestEngineRPC(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	dsn := memoryDSN(t)
	newTestDB(t, dsn)

	impl, err := isolation.NewInProcess(testModules(), engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	client, _ := plugin.TestPluginRPCConn(t, isolation.PluginSet(impl), nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Dispense(isolation.PluginName)
	require.NoError(t, err)
	eng, ok := raw.(isolation.Engine)
	require.True(t, ok)

	steps, err := eng.Steps(ctx, engine.Discovery{Modules: []string{"core"}})
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.Equal(t, step.Descriptor{
		Name: "AddColumn", Number: 1, State: step.StateReleased, Module: "core",
	}, steps[0])

	_, err = eng.Steps(ctx, engine.Discovery{Modules: []string{"broken"}})
	var derr *engine.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "broken", derr.Module)
	assert.EqualError(t, err, "step discovery failed for module 'broken': missing dependency")

	sink := &collector{}
	out, err := eng.Apply(ctx, request(dsn, addColumn), sink)
	require.NoError(t, err)
	assert.Equal(t, []step.Result{{Name: "AddColumn", Number: 1, State: step.StateReleased}}, out.Results)
	assert.Equal(t, schema.StateManaged, out.ContentState)
	assert.Empty(t, out.Skipped)
	assert.Eventually(t, func() bool {
		kinds := sink.Kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == progress.RunCommitted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.Kinds(), progress.StepMessage)

	req := request(dsn, step.Key{Name: "AddColumn", Number: step.AnyNumber})
	req.Selection.UninstallOnly = true
	out, err = eng.Apply(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, []step.Result{
		{Name: "AddColumn", Number: step.UninstallNumber, State: step.StateDropped},
	}, out.Results)

	// Errors keep their type across the boundary.
	req = request(filepath.Join(t.TempDir(), "missing", "db.sqlite")+"?mode=ro", addColumn)
	_, err = eng.Apply(ctx, req, nil)
	var cerr *engine.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.SQLite, cerr.Dialect)
}

func TestProcess(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)

	ctx := t.Context()
	dsn := filepath.Join(t.TempDir(), "app.db")
	newTestDB(t, dsn)

	newProcess := func(t *testing.T) *isolation.Process {
		t.Helper()
		p, err := isolation.NewProcess(ctx, exe,
			isolation.WithLogger(slog.New(slog.DiscardHandler)),
			isolation.WithStartTimeout(30*time.Second))
		require.NoError(t, err)
		return p
	}

	p := newProcess(t)
	steps, err := p.Steps(ctx, engine.Discovery{})
	require.NoError(t, err)
	assert.Len(t, steps, 5)

	sink := &collector{}
	out, err := p.Apply(ctx, request(dsn, addColumn), sink)
	require.NoError(t, err)
	assert.Equal(t, []step.Result{{Name: "AddColumn", Number: 1, State: step.StateReleased}}, out.Results)
	assert.Eventually(t, func() bool {
		kinds := sink.Kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == progress.RunCommitted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	// The same plugin can be loaded again after the boundary was closed.
	p = newProcess(t)
	out, err = p.Apply(ctx, request(dsn, addColumn), nil)
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, addColumn, out.Skipped[0].Key())

	// A crashing plugin is reported as an error, and doesn't affect the host.
	_, err = p.Apply(ctx, request(dsn, step.Key{Name: "Crash", Number: 1}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin call Plugin.Apply failed")
	assert.NoError(t, p.Close())
}

func TestProcessTimeout(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "app.db")
	newTestDB(t, dsn)

	p, err := isolation.NewProcess(t.Context(), exe, isolation.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()

	_, err = p.Apply(ctx, request(dsn, addColumn, step.Key{Name: "Slow", Number: 1}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, p.Close())

	// Nothing was committed.
	d, err := db.Open(t.Context(), dsn, types.SQLite, "", time.Now)
	require.NoError(t, err)
	defer d.Close()
	model, err := schema.Read(t.Context(), d, prefix)
	require.NoError(t, err)
	assert.Nil(t, model.Table("app_users").Column("email"))

	// The schema lock was released, so the next run succeeds.
	p, err = isolation.NewProcess(t.Context(), exe, isolation.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	out, err := p.Apply(t.Context(), request(dsn, addColumn), nil)
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
	assert.NoError(t, p.Close())
}

func TestProcessKill(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "app.db")
	newTestDB(t, dsn)

	newProcess := func(t *testing.T) *isolation.Process {
		t.Helper()
		p, err := isolation.NewProcess(t.Context(), exe,
			isolation.WithLogger(slog.New(slog.DiscardHandler)),
			isolation.WithAbortGrace(100*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		return p
	}

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	// The step ignores the deadline, so the plugin is killed while it holds
	// the schema lock.
	start := time.Now()
	req := request(dsn, step.Key{Name: "Hung", Number: 1})
	req.RunID = "hung-run"
	_, err = newProcess(t).Apply(ctx, req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "plugin call Plugin.Apply aborted")
	assert.Less(t, time.Since(start), 2*time.Second)

	d, err := db.Open(t.Context(), dsn, types.SQLite, "", time.Now)
	require.NoError(t, err)
	defer d.Close()
	removed, err := d.ReleaseHolder(t.Context(), prefix, "hung-run")
	require.NoError(t, err)
	assert.False(t, removed)

	out, err := newProcess(t).Apply(t.Context(), request(dsn, addColumn), nil)
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
}

func TestInProcessAbort(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "app.db")
	newTestDB(t, dsn)

	p, err := isolation.NewInProcess(testModules(), engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Apply(ctx, request(dsn, step.Key{Name: "Hung", Number: 1}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualError(t, err, "engine call aborted: context deadline exceeded")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewProcessErr(t *testing.T) {
	t.Parallel()

	_, err := isolation.NewProcess(t.Context(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed loading plugin")

	_, err = isolation.NewProcess(t.Context(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")

	_, err = isolation.NewProcess(t.Context(), "/bin/true", isolation.WithStartTimeout(0))
	assert.EqualError(t, err, "invalid plugin start timeout: 0s")

	_, err = isolation.NewProcess(t.Context(), "/bin/true", isolation.WithAbortGrace(-time.Second))
	assert.EqualError(t, err, "invalid plugin abort grace period: -1s")

	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true executable not found")
	}
	_, err = isolation.NewProcess(t.Context(), truePath,
		isolation.WithLogger(slog.New(slog.DiscardHandler)), isolation.WithStartTimeout(5*time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed starting plugin")
}

// fakeBoundary is a Boundary whose Close fails.
type fakeBoundary struct {
	*isolation.InProcess
	closed int
}

func (b *fakeBoundary) Close() error {
	b.closed++
	return &isolation.TeardownError{Path: "fake", Err: errors.New("still running")}
}

func TestRun(t *testing.T) {
	t.Parallel()

	inproc, err := isolation.NewInProcess(testModules(), engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	fake := &fakeBoundary{InProcess: inproc}
	factory := func(context.Context) (isolation.Boundary, error) { return fake, nil }

	var count int
	err = isolation.Run(t.Context(), factory, func(e isolation.Engine) error {
		steps, err := e.Steps(t.Context(), engine.Discovery{Modules: []string{"core"}})
		count = len(steps)
		return err
	})
	var terr *isolation.TeardownError
	require.ErrorAs(t, err, &terr)
	assert.EqualError(t, err, "failed tearing down plugin 'fake': still running")
	assert.Equal(t, 5, count)
	assert.Equal(t, 1, fake.closed)

	err = isolation.Run(t.Context(), factory, func(isolation.Engine) error {
		return errors.New("run failed")
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "run failed")
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, 2, fake.closed)

	err = isolation.Run(t.Context(), func(context.Context) (isolation.Boundary, error) {
		return nil, errors.New("can't start")
	}, func(isolation.Engine) error {
		t.Fatal("unexpected call")
		return nil
	})
	assert.EqualError(t, err, "can't start")
}
