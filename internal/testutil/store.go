package testutil

import (
	"testing"

	"github.com/roach88/coreflux/internal/store"
)

// OpenMemStore opens a fresh shared-cache in-memory store named after
// the running test, and registers its cleanup. Package tests that need
// two handles onto the same in-memory database (an RW and an RO view)
// call this once per handle, passing the same name explicitly to both
// (see ReadOnly).
func OpenMemStore(t *testing.T, opts ...func(*store.Options)) *store.Store {
	t.Helper()
	o := store.Options{Path: ":memory:", Name: t.Name()}
	for _, apply := range opts {
		apply(&o)
	}
	s, err := store.Open(o)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ReadOnly configures OpenMemStore to open a read-only handle sharing
// the given name's in-memory database.
func ReadOnly(name string) func(*store.Options) {
	return func(o *store.Options) {
		o.ReadOnly = true
		o.Name = name
	}
}
