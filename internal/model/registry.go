package model

import "fmt"

// Registry holds the models registered at engine construction,
// pre-split into the three lists the pipeline iterates: preprocessors
// (ordered), reducers, and derivers (unordered, run concurrently).
type Registry struct {
	byName        map[string]Model
	order         []string // declaration order, for preprocessors
	preprocessors []Model
	reducers      []Model
	derivers      []Model
}

// NewRegistry validates and indexes models. Duplicate names and the
// reserved name "metadata" are rejected.
func NewRegistry(models []Model) (*Registry, error) {
	r := &Registry{byName: make(map[string]Model, len(models))}

	for _, m := range models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[m.Name]; dup {
			return nil, fmt.Errorf("model %q: duplicate name", m.Name)
		}
		r.byName[m.Name] = m
		r.order = append(r.order, m.Name)

		if m.Preprocessor != nil {
			r.preprocessors = append(r.preprocessors, m)
		}
		if m.Reducer != nil {
			r.reducers = append(r.reducers, m)
		}
		if m.Deriver != nil {
			r.derivers = append(r.derivers, m)
		}
	}

	return r, nil
}

// Preprocessors returns models with a Preprocessor, in registration
// order.
func (r *Registry) Preprocessors() []Model { return r.preprocessors }

// Reducers returns models with a Reducer. Order is not significant;
// the pipeline runs them concurrently.
func (r *Registry) Reducers() []Model { return r.reducers }

// Derivers returns models with a Deriver. Order is not significant;
// the pipeline runs them concurrently.
func (r *Registry) Derivers() []Model { return r.derivers }

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (Model, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Names returns every registered model name in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetWritable fans out to every model that declared SetWritable. Called
// by the pipeline at the start and end of the apply phase.
func (r *Registry) SetWritable(writable bool) {
	for _, name := range r.order {
		m := r.byName[name]
		if m.SetWritable != nil {
			m.SetWritable(writable)
		}
	}
}
