package model

import "testing"

func TestNewRegistryRejectsReservedName(t *testing.T) {
	_, err := NewRegistry([]Model{
		{Name: "metadata", Reducer: func(ReduceContext) (*ReduceResult, error) { return nil, nil }},
	})
	if err == nil {
		t.Fatal("expected error for reserved model name")
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	noop := func(ReduceContext) (*ReduceResult, error) { return nil, nil }
	_, err := NewRegistry([]Model{
		{Name: "foo", Reducer: noop},
		{Name: "foo", Reducer: noop},
	})
	if err == nil {
		t.Fatal("expected error for duplicate model name")
	}
}

func TestNewRegistryRejectsCapabilitylessModel(t *testing.T) {
	_, err := NewRegistry([]Model{{Name: "foo"}})
	if err == nil {
		t.Fatal("expected error for model with no capabilities")
	}
}

func TestRegistryPartitionsCapabilities(t *testing.T) {
	noopReduce := func(ReduceContext) (*ReduceResult, error) { return nil, nil }
	noopPre := func(PreprocessContext) error { return nil }
	noopDerive := func(DeriveContext) error { return nil }

	r, err := NewRegistry([]Model{
		{Name: "a", Preprocessor: noopPre},
		{Name: "b", Reducer: noopReduce},
		{Name: "c", Deriver: noopDerive},
		{Name: "d", Reducer: noopReduce, Deriver: noopDerive},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.Preprocessors()) != 1 {
		t.Fatalf("expected 1 preprocessor, got %d", len(r.Preprocessors()))
	}
	if len(r.Reducers()) != 2 {
		t.Fatalf("expected 2 reducers, got %d", len(r.Reducers()))
	}
	if len(r.Derivers()) != 2 {
		t.Fatalf("expected 2 derivers, got %d", len(r.Derivers()))
	}
	if got := r.Names(); len(got) != 4 {
		t.Fatalf("expected 4 names, got %v", got)
	}
}

func TestRegistrySetWritableFansOut(t *testing.T) {
	var states []bool
	r, err := NewRegistry([]Model{
		{
			Name:    "a",
			Reducer: func(ReduceContext) (*ReduceResult, error) { return nil, nil },
			SetWritable: func(w bool) {
				states = append(states, w)
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.SetWritable(true)
	r.SetWritable(false)

	if len(states) != 2 || states[0] != true || states[1] != false {
		t.Fatalf("unexpected writable sequence: %v", states)
	}
}
