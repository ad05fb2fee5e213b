// Package version implements the Version Oracle (component C3): the
// single persisted integer version, read through a cached single-flight
// call to collapse concurrent reads into one PRAGMA query.
package version

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/coreflux/internal/store"
)

// Oracle reads and writes the domain version, PRAGMA user_version on
// the underlying store.
type Oracle struct {
	store *store.Store
	sf    singleflight.Group
}

// New wraps s. The returned Oracle reads through db-level queries by
// default; Set always requires an explicit transaction, since it may
// only be called from inside the pipeline's apply phase.
func New(s *store.Store) *Oracle {
	return &Oracle{store: s}
}

// Get returns the persisted version. Concurrent calls during a burst
// of dispatches coalesce into a single underlying read.
func (o *Oracle) Get(ctx context.Context) (int64, error) {
	v, err, _ := o.sf.Do("version", func() (any, error) {
		return o.store.UserVersion(ctx, o.store.DB())
	})
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v.(int64), nil
}

// Set persists v within tx. Callers must ensure v = previous + 1; the
// oracle does not itself re-check monotonicity because it has no view
// of "previous" independent of the caller's own read within the same
// transaction.
func (o *Oracle) Set(ctx context.Context, tx *sql.Tx, v int64) error {
	return o.store.SetUserVersion(ctx, tx, v)
}

// GetTx reads the version within an active transaction, bypassing the
// single-flight cache (a transaction sees its own uncommitted writes,
// which a cached cross-transaction read must not).
func (o *Oracle) GetTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	return o.store.UserVersion(ctx, tx)
}
