// Package queue implements the event queue (component C1): an
// append-only, strictly-ordered log of events keyed by a monotonic
// version v, backed by a single SQLite table. New registers that table
// as a store.Migration and runs it, so the schema is created through
// the same registry a caller would use for its own model tables rather
// than a bespoke CREATE TABLE IF NOT EXISTS.
//
// Add assigns v atomically inside a store transaction. GetNext supports
// both a non-blocking point-in-time check and a blocking wait that
// wakes immediately on a same-process Add and otherwise polls the
// table at a bounded interval, so a reader on a different connection to
// the same file (a different process, or the engine's read-only
// handle) still observes writes within one poll tick.
package queue
