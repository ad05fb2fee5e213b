// Package store wraps a SQLite database file behind the transactional
// handle contract the engine consumes: open/close, nested savepoints, a
// persistent integer user_version, and a migration registry. A schema
// owner calls RegisterMigrations against the Store it was handed, then
// RunMigrations to apply whatever is pending; internal/queue.New does
// exactly this for the queue's own table, and RunMigrations is safe to
// call again on every subsequent open.
//
// Store is deliberately thin. It knows nothing about events, models, or
// versions as domain concepts - those live in internal/queue,
// internal/model, and internal/version. Store only knows how to get a
// SQL statement to the database and how to nest transactions.
package store
