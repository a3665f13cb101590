package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/nrednav/cuid2"

	"go.hackfix.me/dictstep/db"
	"go.hackfix.me/dictstep/db/models"
	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/registry"
	"go.hackfix.me/dictstep/step/selector"
)

// Engine discovers dictionary steps from the registered modules, and applies
// them to a database.
type Engine struct {
	modules []step.Module
	logger  *slog.Logger
	fs      vfs.FileSystem
	timeNow func() time.Time
}

// New returns a new Engine for the given step modules.
func New(modules []step.Module, opts ...Option) (*Engine, error) {
	e := &Engine{modules: modules}
	for _, opt := range append(DefaultOptions(), opts...) {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Steps returns the descriptors of all discovered steps, sorted by name and
// number.
func (e *Engine) Steps(ctx context.Context, d Discovery) ([]step.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cat, err := e.discover(d)
	if err != nil {
		return nil, err
	}

	return cat.Descriptors(), nil
}

// Apply applies the selected steps that weren't applied yet to the schema
// instance in the target database. All steps are applied in a single
// transaction: either all of them are committed, or none.
//
// Nothing is applied if the target database doesn't contain a schema instance
// initialized by the engine. In this case the returned Outcome only contains
// the detected content state.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest, sink progress.Sink) (*Outcome, error) {
	cfg := req.Config
	runID := req.RunID
	if runID == "" {
		runID = cuid2.Generate()
	}
	logger := e.logger.With("run_id", runID, "prefix", cfg.Prefix)

	cat, err := e.discover(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	selected, unmatched := selector.Select(cat.Descriptors(), req.Selection)
	if err = cfg.Missing.Check(unmatched, logger); err != nil {
		return nil, err
	}

	out := &Outcome{
		RunID:     runID,
		Results:   []step.Result{},
		Skipped:   []step.Descriptor{},
		Unmatched: unmatched,
	}

	d, err := db.Open(ctx, cfg.DSN, cfg.Dialect, cfg.DialectVersion, e.timeNow)
	if err != nil {
		return nil, &ConnectionError{Dialect: cfg.Dialect, Err: err}
	}
	defer d.Close()

	out.ContentState, err = d.Inspect(ctx, cfg.Prefix)
	if err != nil {
		return nil, &ConnectionError{Dialect: cfg.Dialect, Err: err}
	}
	if out.ContentState != schema.StateManaged {
		logger.Warn("database doesn't contain a managed schema instance, skipping migration",
			"state", out.ContentState.String())
		return out, nil
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	lock, err := d.Lock(ctx, cfg.Prefix, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed releasing schema lock", "error", err)
		}
	}()

	r := &run{
		Engine:   e,
		cfg:      cfg,
		catalog:  cat,
		db:       d,
		out:      out,
		logger:   logger,
		sink:     sink,
		selected: selected,
	}
	if err = r.execute(ctx); err != nil {
		return nil, err
	}

	if len(out.Results) > 0 {
		if err = e.writeAppliedLog(cfg.AppliedLog, runID, cfg.Prefix, out.Results); err != nil {
			logger.Warn("failed writing applied steps log", "error", err)
		}
	}

	return out, nil
}

func (e *Engine) discover(d Discovery) (*registry.Catalog, error) {
	reg, err := registry.New(e.modules,
		registry.WithModules(d.Modules...),
		registry.WithFailurePolicy(d.Policy),
		registry.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}

	return reg.Discover()
}

// run is the state of a single migration run, used while the schema lock is
// held.
type run struct {
	*Engine
	cfg      Config
	catalog  *registry.Catalog
	db       *db.DB
	out      *Outcome
	logger   *slog.Logger
	sink     progress.Sink
	selected []step.Descriptor

	// working is the database model with the changes of the steps applied
	// so far.
	working *schema.Model
}

// pendingStep is a selected step that wasn't applied yet.
type pendingStep struct {
	step.Descriptor
	impl step.Step
}

func (r *run) execute(ctx context.Context) error {
	model, err := schema.Read(ctx, r.db, r.cfg.Prefix)
	if err != nil {
		return &ApplicationError{Phase: PhaseReadModel, Index: -1, Err: err}
	}
	r.out.ChecksumBefore = model.Checksum()
	r.out.ChecksumAfter = r.out.ChecksumBefore

	pending, err := r.pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.logger.Info("no pending steps to apply", "skipped", len(r.out.Skipped))
		return nil
	}

	template := progress.Event{RunID: r.out.RunID, Total: len(pending)}
	r.notify(template, progress.RunStarted, -1, step.Key{})

	var (
		results  []step.Result
		checksum string
	)
	err = r.db.InTx(ctx, func(tx *db.Tx) error {
		r.working = model
		results = make([]step.Result, 0, len(pending))
		for i, p := range pending {
			if err := r.applyStep(ctx, tx, i, p, template); err != nil {
				return err
			}
			results = append(results, step.Result{Name: p.Name, Number: p.Number, State: resultState(p.Descriptor)})
		}
		checksum = r.working.Checksum()

		return nil
	})
	if err != nil {
		r.notify(template, progress.RunRolledBack, -1, step.Key{})
		var aerr *ApplicationError
		if !errors.As(err, &aerr) {
			err = &ApplicationError{Phase: PhaseCommit, Index: -1, Err: err}
		}
		r.logger.Error("migration run failed, all changes were rolled back", "error", err)
		return err
	}

	r.out.Results = results
	r.out.ChecksumAfter = checksum
	r.notify(template, progress.RunCommitted, -1, step.Key{})
	r.logger.Info("migration run committed", "applied", len(results), "skipped", len(r.out.Skipped))

	return nil
}

// pending returns the selected steps that weren't applied yet, instantiated
// and in apply order.
func (r *run) pending(ctx context.Context) ([]pendingStep, error) {
	records, err := models.StepRecords(ctx, r.db, types.NewFilter("h.prefix = ?", []any{r.cfg.Prefix}))
	if err != nil {
		return nil, &ApplicationError{Phase: PhaseReadModel, Index: -1, Err: err}
	}
	applied := models.AppliedSteps(records)

	pending := make([]pendingStep, 0, len(r.selected))
	for _, d := range r.selected {
		if _, ok := applied[step.Key{Name: strings.ToLower(d.Name), Number: d.Number}]; ok {
			r.logger.Debug("skipping applied step", "step", d.String())
			r.out.Skipped = append(r.out.Skipped, d)
			continue
		}
		pending = append(pending, pendingStep{Descriptor: d})
	}

	for i := range pending {
		def, ok := r.catalog.Definition(pending[i].Key())
		if !ok {
			return nil, &ApplicationError{
				Phase: PhaseInstantiate, Step: pending[i].Key(), Index: i,
				Err: errors.New("step definition not found"),
			}
		}
		impl, err := instantiate(def)
		if err != nil {
			return nil, &ApplicationError{Phase: PhaseInstantiate, Step: pending[i].Key(), Index: i, Err: err}
		}
		pending[i].impl = impl
	}

	return pending, nil
}

func (r *run) applyStep(ctx context.Context, tx *db.Tx, idx int, p pendingStep, template progress.Event) error {
	key := p.Key()
	slogger := r.logger.With("step", key.String(), "module", p.Module)
	slogger.Debug("applying step")
	r.notify(template, progress.StepStarted, idx, key)

	template.Step = key
	template.Index = idx
	u := &unit{
		tx:     tx,
		prefix: r.cfg.Prefix,
		model:  r.working.Clone(),
		sink:   r.sink,
		event:  template,
	}

	if err := applySafe(ctx, p.impl, u); err != nil {
		return &ApplicationError{Phase: PhaseApply, Step: key, Index: idx, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ApplicationError{Phase: PhaseApply, Step: key, Index: idx, Err: err}
	}

	rec := &models.StepRecord{
		RunID:  r.out.RunID,
		Prefix: r.cfg.Prefix,
		Name:   p.Name,
		Number: p.Number,
		State:  resultState(p.Descriptor),
		Module: p.Module,
	}
	if err := rec.Save(ctx, tx); err != nil {
		return &ApplicationError{Phase: PhaseApply, Step: key, Index: idx, Err: err}
	}

	r.working = u.model
	r.notify(template, progress.StepApplied, idx, key)
	slogger.Info("applied step")

	return nil
}

func (r *run) notify(template progress.Event, kind progress.Kind, idx int, key step.Key) {
	ev := template
	ev.Kind = kind
	ev.Time = r.timeNow()
	if key.Name != "" {
		ev.Step = key
		ev.Index = idx
	}
	progress.Notify(r.sink, ev)
}

func resultState(d step.Descriptor) step.State {
	if d.IsUninstall() {
		return step.StateDropped
	}
	return step.StateReleased
}

// instantiate creates a new step instance, converting panics into errors.
func instantiate(def step.Definition) (s step.Step, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step constructor panicked: %v", rec)
		}
	}()

	s, err = def.New()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("step constructor returned no step")
	}

	return s, nil
}

// applySafe applies a step, converting panics into errors.
func applySafe(ctx context.Context, s step.Step, u step.Unit) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()

	return s.Apply(ctx, u)
}
