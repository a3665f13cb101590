package engine_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/db/models"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/registry"
	"go.hackfix.me/dictstep/step/selector"
)

const prefix = "app_"

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

// counter tracks how many step instances were created and applied.
type counter struct {
	created atomic.Int32
	applied atomic.Int32
}

func (c *counter) def(name string, num int, fn step.Func) step.Definition {
	return step.Definition{
		Name: name, Number: num,
		New: func() (step.Step, error) {
			c.created.Add(1)
			return step.Func(func(ctx context.Context, u step.Unit) error {
				c.applied.Add(1)
				return fn(ctx, u)
			}), nil
		},
	}
}

func testModules(c *counter) []step.Module {
	email := schema.Column{Name: "email", Type: "TEXT"}
	return []step.Module{{
		Name: "core",
		Steps: func() ([]step.Definition, error) {
			return []step.Definition{
				c.def("AddColumn", 1, func(ctx context.Context, u step.Unit) error {
					u.Progress("adding email column")
					return u.AddColumn(ctx, "users", email)
				}),
				c.def("AddColumn", step.UninstallNumber, func(ctx context.Context, u step.Unit) error {
					return u.DropColumn(ctx, "users", "email")
				}),
				c.def("AuditTable", 1, func(ctx context.Context, u step.Unit) error {
					return u.CreateTable(ctx, "audit",
						schema.Column{Name: "id", Type: "INTEGER", NotNull: true},
						schema.Column{Name: "event", Type: "TEXT"})
				}),
				c.def("Broken", 1, func(context.Context, step.Unit) error {
					return errors.New("boom")
				}),
				c.def("Panicky", 1, func(context.Context, step.Unit) error {
					panic("kaboom")
				}),
				c.def("RawTable", 1, func(ctx context.Context, u step.Unit) error {
					return u.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (id INTEGER)", u.Table("raw")))
				}),
				c.def("RawTable", 2, func(ctx context.Context, u step.Unit) error {
					return u.AddColumn(ctx, "raw", schema.Column{Name: "note", Type: "TEXT"})
				}),
				c.def("Slow", 1, func(ctx context.Context, _ step.Unit) error {
					<-ctx.Done()
					return ctx.Err()
				}),
			}, nil
		},
	}}
}

type testEnv struct {
	dsn    string
	db     *db.DB
	engine *engine.Engine
	fs     vfs.FileSystem
	count  *counter
}

func newTestEnv(t *testing.T, initialize bool) *testEnv {
	t.Helper()

	ctx := t.Context()
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	dsn := fmt.Sprintf("file:dictstep-%x?mode=memory&cache=shared", rndName)
	d, err := db.Open(ctx, dsn, types.SQLite, "", timeNowFn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.ExecContext(ctx, `CREATE TABLE app_users (id INTEGER NOT NULL, name TEXT)`)
	require.NoError(t, err)
	if initialize {
		require.NoError(t, d.Init(ctx, prefix, "v1.0.0", slog.New(slog.DiscardHandler)))
	}

	c := &counter{}
	fs := memoryfs.New()
	e, err := engine.New(testModules(c),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithFS(fs),
		engine.WithTimeNow(timeNowFn),
	)
	require.NoError(t, err)

	return &testEnv{dsn: dsn, db: d, engine: e, fs: fs, count: c}
}

func (env *testEnv) request(keys ...string) engine.ApplyRequest {
	req := engine.ApplyRequest{Config: engine.Config{
		DSN:     env.dsn,
		Dialect: types.SQLite,
		Prefix:  prefix,
		Missing: selector.MissingError,
	}}
	for _, k := range keys {
		key, err := step.ParseKey(k)
		if err != nil {
			panic(err)
		}
		req.Selection.Steps = append(req.Selection.Steps, key)
	}
	return req
}

func (env *testEnv) model(t *testing.T) *schema.Model {
	t.Helper()
	m, err := schema.Read(t.Context(), env.db, prefix)
	require.NoError(t, err)
	return m
}

func (env *testEnv) history(t *testing.T) []step.Key {
	t.Helper()
	records, err := models.StepRecords(t.Context(), env.db, nil)
	require.NoError(t, err)
	keys := []step.Key{}
	for _, r := range records {
		keys = append(keys, r.Key())
	}
	return keys
}

func TestEngineApply(t *testing.T) {
	t.Parallel()

	t.Run("ok/add_column", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)
		before := env.model(t).Checksum()

		var events []progress.Kind
		sink := progress.SinkFunc(func(ev progress.Event) { events = append(events, ev.Kind) })

		out, err := env.engine.Apply(t.Context(), env.request("AddColumn:1"), sink)
		require.NoError(t, err)

		assert.Equal(t, schema.StateManaged, out.ContentState)
		assert.Equal(t, []step.Result{{Name: "AddColumn", Number: 1, State: step.StateReleased}}, out.Results)
		assert.NotEmpty(t, out.RunID)
		assert.Equal(t, before, out.ChecksumBefore)
		assert.NotEqual(t, out.ChecksumBefore, out.ChecksumAfter)

		after := env.model(t)
		assert.Equal(t, after.Checksum(), out.ChecksumAfter)
		assert.NotNil(t, after.Table("app_users").Column("email"))

		assert.Equal(t, []progress.Kind{
			progress.RunStarted, progress.StepStarted, progress.StepMessage,
			progress.StepApplied, progress.RunCommitted,
		}, events)
		assert.Equal(t, []step.Key{{Name: "AddColumn", Number: 1}}, env.history(t))
		assert.EqualValues(t, 1, env.count.created.Load())
		assert.EqualValues(t, 1, env.count.applied.Load())

		// The lock is released after the run.
		removed, err := env.db.ForceUnlock(t.Context(), prefix)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("ok/multiple_steps_ordered", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		out, err := env.engine.Apply(t.Context(), env.request("AuditTable:1", "AddColumn:1"), nil)
		require.NoError(t, err)

		assert.Equal(t, []step.Result{
			{Name: "AddColumn", Number: 1, State: step.StateReleased},
			{Name: "AuditTable", Number: 1, State: step.StateReleased},
		}, out.Results)
		assert.NotNil(t, env.model(t).Table("app_audit"))
		assert.Equal(t, env.model(t).Checksum(), out.ChecksumAfter)
	})

	t.Run("ok/skips_applied_steps", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		_, err := env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)

		out, err := env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)
		assert.Empty(t, out.Results)
		require.Len(t, out.Skipped, 1)
		assert.Equal(t, step.Key{Name: "AddColumn", Number: 1}, out.Skipped[0].Key())
		assert.Equal(t, out.ChecksumBefore, out.ChecksumAfter)
		assert.EqualValues(t, 1, env.count.created.Load())
	})

	t.Run("ok/uninstall_and_reinstall", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		_, err := env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)

		req := env.request("AddColumn")
		req.Selection.UninstallOnly = true
		out, err := env.engine.Apply(t.Context(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, []step.Result{
			{Name: "AddColumn", Number: step.UninstallNumber, State: step.StateDropped},
		}, out.Results)
		assert.Nil(t, env.model(t).Table("app_users").Column("email"))

		// The teardown makes the install step pending again.
		out, err = env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)
		assert.Equal(t, []step.Result{{Name: "AddColumn", Number: 1, State: step.StateReleased}}, out.Results)
		assert.Equal(t, []step.Key{
			{Name: "AddColumn", Number: 1},
			{Name: "AddColumn", Number: step.UninstallNumber},
			{Name: "AddColumn", Number: 1},
		}, env.history(t))
	})

	t.Run("ok/raw_sql_refreshes_model", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		out, err := env.engine.Apply(t.Context(), env.request("RawTable:1"), nil)
		require.NoError(t, err)

		after := env.model(t)
		assert.NotNil(t, after.Table("app_raw"))
		assert.Equal(t, after.Checksum(), out.ChecksumAfter)
	})

	t.Run("ok/run_id", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		req := env.request("AddColumn:1")
		req.RunID = "run-1"
		out, err := env.engine.Apply(t.Context(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, "run-1", out.RunID)

		records, err := models.StepRecords(t.Context(), env.db, nil)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "run-1", records[0].RunID)
	})

	t.Run("ok/raw_sql_table_used_by_later_step", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		out, err := env.engine.Apply(t.Context(), env.request("RawTable:1", "RawTable:2"), nil)
		require.NoError(t, err)
		require.Len(t, out.Results, 2)

		after := env.model(t)
		require.NotNil(t, after.Table("app_raw"))
		assert.NotNil(t, after.Table("app_raw").Column("note"))
		assert.Equal(t, after.Checksum(), out.ChecksumAfter)
	})

	t.Run("ok/applied_log", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		req := env.request("AddColumn:1", "AuditTable:1")
		req.Config.AppliedLog = "/var/log/dictstep/applied.log"
		out, err := env.engine.Apply(t.Context(), req, nil)
		require.NoError(t, err)

		data, err := vfs.ReadFile(env.fs, req.Config.AppliedLog)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(
			"2025-01-01 00:00:00 INF applied step run_id=%[1]s prefix=app_ step=AddColumn-1R\n"+
				"2025-01-01 00:00:00 INF applied step run_id=%[1]s prefix=app_ step=AuditTable-1R\n",
			out.RunID), string(data))

		// Later runs append to the log.
		req = env.request("AddColumn:uninstall")
		req.Selection.UninstallOnly = true
		req.Config.AppliedLog = "/var/log/dictstep/applied.log"
		out2, err := env.engine.Apply(t.Context(), req, nil)
		require.NoError(t, err)
		require.Len(t, out2.Results, 1)

		data, err = vfs.ReadFile(env.fs, req.Config.AppliedLog)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(
			"2025-01-01 00:00:00 INF applied step run_id=%[1]s prefix=app_ step=AddColumn-1R\n"+
				"2025-01-01 00:00:00 INF applied step run_id=%[1]s prefix=app_ step=AuditTable-1R\n"+
				"2025-01-01 00:00:00 INF applied step run_id=%[2]s prefix=app_ step=%[3]s\n",
			out.RunID, out2.RunID, out2.Results[0].String()), string(data))
	})

	t.Run("ok/foreign_database", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, false)
		before := env.model(t).Checksum()

		out, err := env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)
		assert.Equal(t, schema.StateForeign, out.ContentState)
		assert.Empty(t, out.Results)
		assert.Equal(t, before, env.model(t).Checksum())
		assert.Zero(t, env.count.created.Load())
		assert.Zero(t, env.count.applied.Load())
	})

	t.Run("err/step_failure_rolls_back", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)
		before := env.model(t).Checksum()

		var events []progress.Kind
		sink := progress.SinkFunc(func(ev progress.Event) { events = append(events, ev.Kind) })

		out, err := env.engine.Apply(t.Context(), env.request("AddColumn:1", "Broken:1", "AuditTable:1"), sink)
		require.Error(t, err)
		assert.Nil(t, out)

		var aerr *engine.ApplicationError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, engine.PhaseApply, aerr.Phase)
		assert.Equal(t, step.Key{Name: "Broken", Number: 1}, aerr.Step)
		assert.Equal(t, 2, aerr.Index)
		assert.EqualError(t, err, "apply failed for step Broken:1 (#3): boom")

		// AddColumn and AuditTable were applied before the failure.
		assert.EqualValues(t, 3, env.count.applied.Load())
		assert.Equal(t, before, env.model(t).Checksum())
		assert.Empty(t, env.history(t))
		assert.Equal(t, progress.RunRolledBack, events[len(events)-1])
	})

	t.Run("err/step_panic", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		_, err := env.engine.Apply(t.Context(), env.request("AddColumn:1", "Panicky:1"), nil)
		require.Error(t, err)
		assert.EqualError(t, err, "apply failed for step Panicky:1 (#2): step panicked: kaboom")
		assert.Nil(t, env.model(t).Table("app_users").Column("email"))
	})

	t.Run("err/timeout", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		req := env.request("AddColumn:1", "Slow:1")
		req.Config.Timeout = 100 * time.Millisecond
		_, err := env.engine.Apply(t.Context(), req, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, env.model(t).Table("app_users").Column("email"))

		// The lock is released even though the run timed out.
		_, err = env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		require.NoError(t, err)
	})

	t.Run("err/locked", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		lock, err := env.db.Lock(t.Context(), prefix, "other-run")
		require.NoError(t, err)
		t.Cleanup(func() { _ = lock.Release(context.Background()) })

		_, err = env.engine.Apply(t.Context(), env.request("AddColumn:1"), nil)
		var lerr *types.LockedError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, "other-run", lerr.Holder)
		assert.Zero(t, env.count.applied.Load())
	})

	t.Run("err/missing_step", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		_, err := env.engine.Apply(t.Context(), env.request("AddColumn:1", "Nope:3"), nil)
		var uerr *selector.UnmatchedError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, []step.Key{{Name: "Nope", Number: 3}}, uerr.Keys)
		assert.Zero(t, env.count.created.Load())
	})

	t.Run("err/connection", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, true)

		req := env.request("AddColumn:1")
		req.Config.DialectVersion = "2."
		_, err := env.engine.Apply(t.Context(), req, nil)
		var cerr *engine.ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, types.SQLite, cerr.Dialect)
		assert.Zero(t, env.count.created.Load())
	})
}

func TestEngineUnmanaged(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d, err := db.Open(ctx, "file:dictstep-engine-empty?mode=memory&cache=shared", types.SQLite, "", timeNowFn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	c := &counter{}
	e, err := engine.New(testModules(c), engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	out, err := e.Apply(ctx, engine.ApplyRequest{Config: engine.Config{
		DSN: "file:dictstep-engine-empty?mode=memory&cache=shared", Dialect: types.SQLite, Prefix: prefix,
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StateEmpty, out.ContentState)
	assert.Empty(t, out.Results)
	assert.Zero(t, c.created.Load())
}

func TestEngineSteps(t *testing.T) {
	t.Parallel()

	failing := step.Module{Name: "broken", Steps: func() ([]step.Definition, error) {
		return nil, errors.New("can't load")
	}}
	modules := append(testModules(&counter{}), failing)
	e, err := engine.New(modules, engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	steps, err := e.Steps(t.Context(), engine.Discovery{})
	require.NoError(t, err)
	names := []string{}
	for _, s := range steps {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{
		"AddColumn:1", "AddColumn:uninstall", "AuditTable:1", "Broken:1",
		"Panicky:1", "RawTable:1", "RawTable:2", "Slow:1",
	}, names)

	_, err = e.Steps(t.Context(), engine.Discovery{Policy: registry.FailFast})
	var derr *engine.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "broken", derr.Module)

	_, err = e.Steps(t.Context(), engine.Discovery{Modules: []string{"broken"}})
	require.ErrorAs(t, err, &derr)
	assert.EqualError(t, err, "step discovery failed for module 'broken': can't load")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = e.Steps(ctx, engine.Discovery{})
	assert.ErrorIs(t, err, context.Canceled)
}
