package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures a Store.
type Options struct {
	// Path is the SQLite file path, or ":memory:" for an in-process
	// database. Name distinguishes multiple in-memory handles that must
	// alias the same underlying database (see Open).
	Path string
	// ReadOnly opens the connection in SQLite's read-only mode. Attempts
	// to write through a read-only Store fail at the driver level.
	ReadOnly bool
	// Name identifies the handle in logs and, for :memory: databases,
	// is used to build a shared-cache DSN so multiple Store values can
	// see the same in-memory database.
	Name string
}

// Store wraps a single SQLite connection behind the transactional
// handle contract the engine consumes. db is guarded by mu so Reopen
// can swap it out from under a caller holding the Store pointer, per
// the engine's backoff-and-reconnect policy (spec.md §5).
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB
	opts     Options
	migs     map[string]map[int]Migration
	migOrder []string
}

// Migration is a single, idempotent schema step applied once.
type Migration func(ctx context.Context, db *sql.DB) error

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting callers
// write helpers that run either inside or outside a transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens a SQLite database per opts and applies required
// pragmas. Idempotent - safe to call multiple times against the same
// file. Open cannot run migrations itself (nothing has registered any
// against a Store that does not exist yet); callers that own a schema
// call RegisterMigrations then RunMigrations against the returned
// Store (see internal/queue.New for the pattern).
func Open(opts Options) (*Store, error) {
	dsn := dsnFor(opts)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", opts.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect store %q: %w", opts.Path, err)
	}

	// SQLite tolerates exactly one writer; readers get their own pool.
	if opts.ReadOnly {
		db.SetMaxOpenConns(4)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := applyPragmas(db, opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas %q: %w", opts.Path, err)
	}

	s := &Store{db: db, opts: opts, migs: map[string]map[int]Migration{}}
	return s, nil
}

func dsnFor(opts Options) string {
	if opts.Path == ":memory:" {
		name := opts.Name
		if name == "" {
			name = "coreflux"
		}
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
		if opts.ReadOnly {
			// mode=ro cannot be combined with mode=memory; the driver's
			// query_only setting rejects writes on this handle instead.
			dsn += "&_query_only=true"
		}
		return dsn
	}
	if opts.ReadOnly {
		return fmt.Sprintf("file:%s?mode=ro", opts.Path)
	}
	return opts.Path
}

func applyPragmas(db *sql.DB, opts Options) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if opts.ReadOnly {
		pragmas = pragmas[1:] // journal_mode is a no-op (and can error) on a ro handle
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// RegisterMigrations registers a named, ordered set of schema steps to
// run once at RunMigrations. Steps are keyed by their target schema
// version and applied in ascending order starting after the store's
// current recorded version for that name.
//
// Deliberately separate from the domain version (PRAGMA user_version):
// the event pipeline owns that pragma exclusively, so schema bookkeeping
// lives in its own table instead.
func (s *Store) RegisterMigrations(name string, migrations map[int]Migration) {
	if s.migs[name] == nil {
		s.migOrder = append(s.migOrder, name)
	}
	s.migs[name] = migrations
}

// RunMigrations applies every registered migration set that has not yet
// been recorded as applied. Safe to call multiple times.
func (s *Store) RunMigrations(ctx context.Context) error {
	if len(s.migOrder) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name    TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (name, version)
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, name := range s.migOrder {
		steps := s.migs[name]
		max := 0
		for v := range steps {
			if v > max {
				max = v
			}
		}
		for v := 1; v <= max; v++ {
			step, ok := steps[v]
			if !ok {
				continue
			}
			var applied int
			err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM schema_migrations WHERE name = ? AND version = ?`,
				name, v,
			).Scan(&applied)
			if err != nil {
				return fmt.Errorf("check migration %s@%d: %w", name, v, err)
			}
			if applied > 0 {
				continue
			}
			if err := step(ctx, s.db); err != nil {
				return fmt.Errorf("migrate %s@%d: %w", name, v, err)
			}
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO schema_migrations (name, version) VALUES (?, ?)`, name, v,
			); err != nil {
				return fmt.Errorf("record migration %s@%d: %w", name, v, err)
			}
		}
	}
	return nil
}

// Close closes the underlying connection. Safe to call on a nil Store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying *sql.DB for direct queries. Prefer the
// Store helper methods where they cover the need.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Reopen closes and reopens the underlying connection in place, so
// every caller holding this *Store sees the new handle without needing
// a new pointer. Used by the engine's polling loop to recover from
// repeated store errors (spec.md §5, "close all three store handles").
// The old handle is closed only after the new one has connected, so a
// shared-cache :memory: database always has a live connection and its
// contents survive the reconnect. If reconnecting fails, the old handle
// is left open and in use.
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dsn := dsnFor(s.opts)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("reopen store %q: %w", s.opts.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("reconnect store %q: %w", s.opts.Path, err)
	}
	if s.opts.ReadOnly {
		db.SetMaxOpenConns(4)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := applyPragmas(db, s.opts); err != nil {
		db.Close()
		return fmt.Errorf("apply pragmas %q: %w", s.opts.Path, err)
	}

	if s.db != nil {
		s.db.Close()
	}
	s.db = db
	return nil
}

// Name returns the handle's configured name, for logging.
func (s *Store) Name() string {
	return s.opts.Name
}

// Run executes a statement with no expected result rows.
func (s *Store) Run(ctx context.Context, q Queryer, query string, args ...any) error {
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

// Get runs a query expected to return at most one row, scanning it with
// scan. Returns (false, nil) if no row matched.
func (s *Store) Get(ctx context.Context, q Queryer, scan func(*sql.Row) error, query string, args ...any) (bool, error) {
	row := q.QueryRowContext(ctx, query, args...)
	if err := scan(row); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// All runs a query and invokes scan once per row.
func (s *Store) All(ctx context.Context, q Queryer, scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// WithTransaction begins a write transaction, invokes fn, and commits
// on success or rolls back on error/panic.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Savepoint opens a named nested savepoint within tx.
func (s *Store) Savepoint(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name))
	return err
}

// Release releases (commits) a named savepoint.
func (s *Store) Release(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
	return err
}

// RollbackTo rolls back to a named savepoint without ending the outer
// transaction. Callers should Release after RollbackTo if they intend
// to keep the outer transaction open (SQLite leaves the savepoint on
// the stack after ROLLBACK TO).
func (s *Store) RollbackTo(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
	return err
}

// UserVersion reads the persistent PRAGMA user_version.
func (s *Store) UserVersion(ctx context.Context, q Queryer) (int64, error) {
	var v int64
	row := q.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// SetUserVersion writes the persistent PRAGMA user_version within tx.
// PRAGMA statements do not accept bound parameters, so v is validated
// and formatted directly.
func (s *Store) SetUserVersion(ctx context.Context, tx *sql.Tx, v int64) error {
	if v < 0 {
		return fmt.Errorf("set user_version: negative version %d", v)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// quoteIdent double-quotes a SQL identifier, escaping embedded quotes.
// Savepoint names in this codebase are always compile-time constants
// (the polling loop's "handle"), never user input, but we quote
// defensively anyway.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, name[i])
	}
	out = append(out, '"')
	return string(out)
}
