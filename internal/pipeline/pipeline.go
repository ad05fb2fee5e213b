// Package pipeline implements the Event Pipeline (component C4): the
// preprocess -> reduce -> apply -> derive sequence run for a single
// event inside the enclosing write transaction, plus sub-event
// recursion and the per-phase error taxonomy of spec.md §7.
//
// Handle never touches savepoints itself - the "handle" savepoint that
// guards a top-level event (and every sub-event nested under it) is
// opened and resolved once by the polling loop (component C6), which
// owns the transaction Handle runs inside.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/coreflux/internal/model"
	"github.com/roach88/coreflux/internal/queue"
	"github.com/roach88/coreflux/internal/version"
)

// MaxRecursionDepth bounds sub-event nesting (spec.md §4.4).
const MaxRecursionDepth = 100

// Pipeline runs the per-event phases against a fixed model registry
// and version oracle.
type Pipeline struct {
	Registry *model.Registry
	Version  *version.Oracle
}

// New constructs a Pipeline.
func New(reg *model.Registry, ver *version.Oracle) *Pipeline {
	return &Pipeline{Registry: reg, Version: ver}
}

// Handle runs the full pipeline for ev at depth within tx, mutating ev
// in place with Result/Error/FailedResult/Events. It returns a non-nil
// error only for failures in the plumbing itself (e.g. a savepoint-less
// SQL statement failing outside any model call); domain failures are
// captured onto ev.Error per spec.md §7 and never returned as a Go
// error, so a caller can always commit ev's outcome.
func (p *Pipeline) Handle(ctx context.Context, tx *sql.Tx, ro *sql.DB, ev *queue.Event, depth int) error {
	if depth > MaxRecursionDepth {
		ev.Error = map[string]string{"_handle": "events recursing too deep"}
		return nil
	}

	dispatch := func(typ string, data json.RawMessage) {
		ev.Events = append(ev.Events, queue.SubEvent{Type: typ, Data: data})
	}

	if err := p.preprocess(ctx, ro, ev, dispatch); err != nil {
		return err
	}
	if ev.Failed() {
		return nil
	}

	changes, err := p.reduce(ctx, ro, ev)
	if err != nil {
		return err
	}
	if ev.Failed() {
		return nil
	}

	if err := p.apply(ctx, tx, ev, changes, depth, dispatch); err != nil {
		return err
	}
	if ev.Failed() {
		return nil
	}

	return p.recurseSubEvents(ctx, tx, ro, ev, depth)
}

func (p *Pipeline) preprocess(ctx context.Context, ro *sql.DB, ev *queue.Event, dispatch model.DispatchFunc) error {
	for _, m := range p.Registry.Preprocessors() {
		origV, origType := ev.V, ev.Type
		pctx := model.PreprocessContext{Ctx: ctx, Event: ev, Store: ro, Dispatch: dispatch}

		if err := safeCall(func() error { return m.Preprocessor(pctx) }); err != nil {
			ev.Error = map[string]string{"_preprocess_" + m.Name: err.Error()}
			return nil
		}
		if ev.V != origV || ev.Type == "" {
			ev.Error = map[string]string{
				"_preprocess_" + m.Name: fmt.Sprintf(
					"preprocessor changed v (%d -> %d) or cleared type (was %q)", origV, ev.V, origType,
				),
			}
			return nil
		}
	}
	return nil
}

func (p *Pipeline) reduce(ctx context.Context, ro *sql.DB, ev *queue.Event) (map[string]any, error) {
	reducers := p.Registry.Reducers()
	changes := make(map[string]any, len(reducers))
	if len(reducers) == 0 {
		return changes, nil
	}

	var mu sync.Mutex
	results := make(map[string]json.RawMessage, len(reducers))
	errs := make(map[string]string)
	var subEvents []queue.SubEvent
	snapshot := *ev

	var g errgroup.Group
	for _, m := range reducers {
		m := m
		g.Go(func() error {
			res, err := safeCallReduce(m.Reducer, model.ReduceContext{Ctx: ctx, Event: snapshot, Store: ro})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs["reduce_"+m.Name] = err.Error()
				return nil
			}
			if res == nil {
				return nil
			}
			payload, merr := json.Marshal(res.Changes)
			if merr != nil {
				errs["reduce_"+m.Name] = merr.Error()
				return nil
			}
			results[m.Name] = payload
			changes[m.Name] = res.Changes
			subEvents = append(subEvents, res.Events...)
			return nil
		})
	}
	_ = g.Wait() // settle-all: every reducer runs regardless of peers' errors

	if len(errs) > 0 {
		ev.Error = errs
		ev.Result = nil
		return nil, nil
	}

	ev.Result = results
	ev.Events = append(ev.Events, subEvents...)
	return changes, nil
}

func (p *Pipeline) apply(ctx context.Context, tx *sql.Tx, ev *queue.Event, changes map[string]any, depth int, dispatch model.DispatchFunc) error {
	p.Registry.SetWritable(true)
	defer p.Registry.SetWritable(false)

	var mu sync.Mutex
	applyErrs := make(map[string]string)
	recordFirst := func(key, msg string) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := applyErrs[key]; !ok {
			applyErrs[key] = msg
		}
	}

	if len(changes) > 0 {
		var g errgroup.Group
		for name, c := range changes {
			name, c := name, c
			g.Go(func() error {
				m, ok := p.Registry.Lookup(name)
				if !ok || m.ApplyChanges == nil {
					return nil
				}
				err := safeCall(func() error {
					return m.ApplyChanges(model.ApplyContext{Ctx: ctx, Tx: tx, Event: *ev}, c)
				})
				if err != nil {
					recordFirst("_apply-apply", fmt.Sprintf("%s: %v", name, err))
				}
				return nil
			})
		}
		_ = g.Wait() // settle-all: peers complete before the first error is raised
	}

	if len(applyErrs) == 0 && depth == 0 {
		if err := p.Version.Set(ctx, tx, ev.V); err != nil {
			recordFirst("_apply-version", err.Error())
		}
	}

	if len(applyErrs) == 0 {
		if derivers := p.Registry.Derivers(); len(derivers) > 0 {
			var g errgroup.Group
			for _, m := range derivers {
				m := m
				g.Go(func() error {
					err := safeCall(func() error {
						return m.Deriver(model.DeriveContext{
							Ctx: ctx, Tx: tx, Event: *ev, Result: ev.Result, Dispatch: dispatch,
						})
					})
					if err != nil {
						recordFirst("_apply-derive", fmt.Sprintf("%s: %v", m.Name, err))
					}
					return nil
				})
			}
			_ = g.Wait()
		}
	}

	if len(applyErrs) > 0 {
		ev.Error = applyErrs
		ev.FailedResult = ev.Result
		ev.Result = nil
	}
	return nil
}

func (p *Pipeline) recurseSubEvents(ctx context.Context, tx *sql.Tx, ro *sql.DB, ev *queue.Event, depth int) error {
	for i := range ev.Events {
		child := queue.Event{V: ev.V, Type: ev.Events[i].Type, Data: ev.Events[i].Data}
		if err := p.Handle(ctx, tx, ro, &child, depth+1); err != nil {
			return err
		}
		ev.Events[i].Result = child.Result
		ev.Events[i].Error = child.Error
		if child.Failed() {
			ev.Error = map[string]string{"_handle": fmt.Sprintf("subevent %d failed", i)}
			ev.FailedResult = ev.Result
			ev.Result = nil
			return nil
		}
	}
	return nil
}

// safeCall recovers a panicking model callback into an error, since a
// model implementation is untrusted user code from the pipeline's
// point of view.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func safeCallReduce(fn func(model.ReduceContext) (*model.ReduceResult, error), rctx model.ReduceContext) (res *model.ReduceResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(rctx)
}
