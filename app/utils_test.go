package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/dictstep/app/config"
	actx "go.hackfix.me/dictstep/app/context"
	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/isolation"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
)

const prefix = "crm_"

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

type testApp struct {
	*App
	t              *testing.T
	stdout, stderr *safeBuffer
	fs             vfs.FileSystem
	cfg            *config.Config
	// db keeps the in-memory database alive between commands.
	db *db.DB
}

// newTestApp returns an app that applies steps in-process, from the crm module
// and the given extra modules.
func newTestApp(t *testing.T, extra ...step.Module) *testApp {
	t.Helper()

	ctx := t.Context()
	// A unique name per app, to avoid clashing of in-memory SQLite DBs.
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	dsn := fmt.Sprintf("file:dictstep-%x?mode=memory&cache=shared", rndName)
	d, err := db.Open(ctx, dsn, types.SQLite, "", timeNowFn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	fs := memoryfs.New()
	cfg := config.NewConfig(fs, "/config.json")
	cfg.Database.DSN = sql.Null[string]{V: dsn, Valid: true}
	cfg.Database.TablePrefix = sql.Null[string]{V: prefix, Valid: true}

	stdout, stderr := newSafeBuffer(), newSafeBuffer()
	opts := []Option{
		WithTimeNow(timeNowFn),
		WithEnv(&mockEnv{env: map[string]string{}}),
		WithContext(ctx),
		WithFDs(&bytes.Buffer{}, stdout, stderr),
		WithFS(fs),
		WithConfig(cfg),
		WithLogger(false, false),
		WithIsolation(func(context.Context, string) (isolation.Boundary, error) {
			//nolint:wrapcheck // This is fine.
			return isolation.NewInProcess(append(testModules(), extra...),
				engine.WithLogger(slog.New(slog.DiscardHandler)),
				engine.WithFS(fs),
				engine.WithTimeNow(timeNowFn),
			)
		}),
	}
	app, err := New("dictstep", "/config.json", "/data", opts...)
	require.NoError(t, err)

	return &testApp{App: app, t: t, stdout: stdout, stderr: stderr, fs: fs, cfg: cfg, db: d}
}

// Run runs the app with the given arguments, resetting the outputs of the
// previous run.
func (ta *testApp) Run(args ...string) error {
	ta.stdout.Reset()
	ta.stderr.Reset()
	return ta.App.Run(args)
}

// columns returns the names of the columns of a table in the test database.
func (ta *testApp) columns(table string) []string {
	ta.t.Helper()
	model, err := schema.Read(ta.t.Context(), ta.db, prefix)
	require.NoError(ta.t, err)

	tbl := model.Table(prefix + table)
	if tbl == nil {
		return nil
	}
	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		cols[i] = c.Name
	}

	return cols
}

func testModules() []step.Module {
	contact := "contact"
	return []step.Module{{
		Name: "crm",
		Steps: func() ([]step.Definition, error) {
			return []step.Definition{
				{
					Name: "Contact", Number: 1, State: step.StateReleased,
					Description: "Create the contact table",
					New: func() (step.Step, error) {
						return step.Func(func(ctx context.Context, u step.Unit) error {
							return u.CreateTable(ctx, contact,
								schema.Column{Name: "id", Type: "INTEGER", NotNull: true})
						}), nil
					},
				},
				{
					Name: "Contact", Number: 2, State: step.StateReleased,
					Description: "Add the email column",
					New: func() (step.Step, error) {
						return step.Func(func(ctx context.Context, u step.Unit) error {
							return u.AddColumn(ctx, contact, schema.Column{Name: "email", Type: "TEXT"})
						}), nil
					},
				},
				{
					Name: "Contact", Number: step.UninstallNumber,
					New: func() (step.Step, error) {
						return step.Func(func(ctx context.Context, u step.Unit) error {
							return u.DropTable(ctx, contact)
						}), nil
					},
				},
			}, nil
		},
	}}
}

type mockEnv struct {
	mx  sync.RWMutex
	env map[string]string
}

var _ actx.Environment = (*mockEnv)(nil)

func (me *mockEnv) Get(key string) string {
	me.mx.RLock()
	defer me.mx.RUnlock()
	return me.env[key]
}

func (me *mockEnv) Set(key, val string) error {
	me.mx.Lock()
	defer me.mx.Unlock()
	me.env[key] = val
	return nil
}

// safeBuffer is a thread-safe buffer.
type safeBuffer struct {
	mx  sync.RWMutex
	buf *bytes.Buffer
}

var _ io.Writer = (*safeBuffer)(nil)

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf.Reset()
}

func (b *safeBuffer) String() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.String()
}

// lines returns the non-empty output lines with repeated spaces collapsed.
func (b *safeBuffer) lines() []string {
	var lines []string
	for _, l := range strings.Split(b.String(), "\n") {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
