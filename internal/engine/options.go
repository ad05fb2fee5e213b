package engine

import (
	"time"

	"github.com/roach88/coreflux/internal/model"
)

// config collects the construction options spec.md §6 lists: the
// model set, the store path, and store naming.
type config struct {
	models      []model.Model
	path        string
	queuePath   string
	name        string
	stopOnError bool
	maxRetry    int
	backoffUnit time.Duration
}

// Option configures an Engine at construction time.
type Option func(*config)

// WithModels registers the models the pipeline dispatches events to.
func WithModels(models ...model.Model) Option {
	return func(c *config) { c.models = append(c.models, models...) }
}

// WithStorePath sets the RW/RO database file. ":memory:" (the default)
// runs entirely in-process with the RO handle aliasing the RW handle,
// since SQLite cannot share an in-memory database across connections
// without a named shared cache.
func WithStorePath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithQueuePath sets a database file for the event queue distinct from
// the model store. Defaults to the store path (queue and models share
// one file and one RW connection).
func WithQueuePath(path string) Option {
	return func(c *config) { c.queuePath = path }
}

// WithName labels the store handles for logging and, for ":memory:"
// paths, names the shared-cache in-memory database the RW handle opens
// (the RO handle and, unless WithQueuePath says otherwise, the queue
// handle are that same handle). Engines with different names get
// separate in-memory databases.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithStopOnError makes the polling loop exit after the first failed
// event, instead of backing off and retrying that same version. The
// failure still reaches the event's waiters and the errors observer
// channel as usual; Wait is not signalled, since this is not a fatal
// error. Intended for tests and harnesses that want deterministic
// failure detection.
func WithStopOnError(stop bool) Option {
	return func(c *config) { c.stopOnError = stop }
}

// WithMaxRetry overrides DefaultMaxRetry, the number of consecutive
// polling-loop failures tolerated before the loop gives up. Intended
// for tests that need to exercise the give-up path without waiting out
// the production backoff schedule.
func WithMaxRetry(n int) Option {
	return func(c *config) { c.maxRetry = n }
}

// WithBackoffUnit overrides DefaultBackoffUnit, the per-failure backoff
// increment (actual sleep is unit * consecutive failure count).
func WithBackoffUnit(d time.Duration) Option {
	return func(c *config) { c.backoffUnit = d }
}
