// Package model implements the Model Registry (component C2): the set
// of user-defined models a pipeline run reduces events into, each
// exposing some subset of {preprocessor, reducer, applyChanges,
// deriver}.
//
// Rather than duck-typing capability presence, each Model is an
// explicit struct of optional function fields, collected by the
// Registry into three ordered/unordered lists at construction time
// (spec.md §9, "Model capability union").
package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/coreflux/internal/queue"
)

// DispatchFunc appends a sub-event to the event currently being
// processed. Handed to preprocessors and derivers.
type DispatchFunc func(typ string, data json.RawMessage)

// PreprocessContext is passed to a Preprocessor call.
type PreprocessContext struct {
	Ctx      context.Context
	Event    *queue.Event // may be mutated in place; V and Type must be preserved
	Store    *sql.DB      // read-only view
	Dispatch DispatchFunc
}

// ReduceContext is passed to a Reducer call.
type ReduceContext struct {
	Ctx   context.Context
	Event queue.Event
	Store *sql.DB // read-only view
}

// ReduceResult is a reducer's description of the delta to its table.
// A nil *ReduceResult (or a reducer returning nil, nil) means "no
// change" per spec.md §4.4.
type ReduceResult struct {
	// Changes is opaque to the pipeline; only the model's own
	// ApplyChanges interprets it.
	Changes any
	// Events are sub-events appended to the parent, in order.
	Events []queue.SubEvent
}

// ApplyContext is passed to an ApplyChanges call. It always runs
// inside the enclosing write transaction, under the "handle" savepoint.
type ApplyContext struct {
	Ctx   context.Context
	Tx    *sql.Tx
	Event queue.Event
}

// DeriveContext is passed to a Deriver call. Like ApplyContext, it
// runs inside the enclosing write transaction.
type DeriveContext struct {
	Ctx      context.Context
	Tx       *sql.Tx
	Event    queue.Event
	Result   map[string]json.RawMessage
	Dispatch DispatchFunc
}

// Model declares a named participant in the pipeline. At least one of
// Preprocessor, Reducer, or Deriver must be set.
type Model struct {
	// Name uniquely identifies the model. "metadata" is reserved.
	Name string

	// Preprocessor canonicalizes the event before reducers run. Runs
	// sequentially, in registration order, over the read-only view.
	Preprocessor func(PreprocessContext) error

	// Reducer computes this model's delta for an event, over the
	// read-only view. Runs concurrently with other reducers.
	Reducer func(ReduceContext) (*ReduceResult, error)

	// ApplyChanges commits a reducer's Changes to this model's table.
	// Runs inside the write transaction.
	ApplyChanges func(ApplyContext, any) error

	// Deriver runs after apply succeeds, with read-write access, e.g.
	// to maintain a cache. Runs concurrently with other derivers.
	Deriver func(DeriveContext) error

	// SetWritable is called with true at the start of the apply phase
	// and false at its end (and in a finally-equivalent on error). A
	// model that tracks its own writable flag should reject writes
	// attempted outside that window.
	SetWritable func(bool)
}

// Validate checks the model declaration against spec.md §3's Model
// invariants.
func (m Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model: name must be non-empty")
	}
	if m.Name == "metadata" {
		return fmt.Errorf("model %q: name is reserved", m.Name)
	}
	if m.Preprocessor == nil && m.Reducer == nil && m.Deriver == nil {
		return fmt.Errorf("model %q: must declare at least one of preprocessor, reducer, or deriver", m.Name)
	}
	return nil
}
