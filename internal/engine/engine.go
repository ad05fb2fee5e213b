package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/coreflux/internal/model"
	"github.com/roach88/coreflux/internal/pipeline"
	"github.com/roach88/coreflux/internal/queue"
	"github.com/roach88/coreflux/internal/store"
	"github.com/roach88/coreflux/internal/version"
	"github.com/roach88/coreflux/internal/waiter"
)

// Event is the processed record returned across the engine's public
// surface; it is exactly queue.Event.
type Event = queue.Event

// DefaultMaxRetry bounds consecutive polling-loop failures before the
// loop gives up (spec.md §5, "≈ roughly one hour of backoff"). Override
// per Engine with WithMaxRetry.
const DefaultMaxRetry = 38

// DefaultBackoffUnit scales with the consecutive error count: unit *
// errs. Override per Engine with WithBackoffUnit.
const DefaultBackoffUnit = 5 * time.Second

// Engine is the single-writer event loop described in spec.md §4-§5:
// one Dispatch entry point, one polling loop, one write transaction
// per event.
type Engine struct {
	cfg config

	rw         *store.Store
	ro         *store.Store
	queueStore *store.Store
	queue      *queue.Queue
	registry   *model.Registry
	version    *version.Oracle
	pipeline   *pipeline.Pipeline
	waiters    *waiter.Set

	minVersion atomic.Int64

	loopCtx    context.Context
	cancelLoop context.CancelFunc

	rsMu    sync.Mutex
	running bool
	wg      sync.WaitGroup

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs an Engine and opens its store handles. The polling
// loop does not start until the first Dispatch, HandledVersion or
// WaitForQueue call.
func New(opts ...Option) (*Engine, error) {
	cfg := config{path: ":memory:", name: "coreflux", maxRetry: DefaultMaxRetry, backoffUnit: DefaultBackoffUnit}
	for _, opt := range opts {
		opt(&cfg)
	}

	rw, err := store.Open(store.Options{Path: cfg.path, Name: cfg.name})
	if err != nil {
		return nil, fmt.Errorf("open rw store: %w", err)
	}

	ro := rw
	if cfg.path != ":memory:" {
		ro, err = store.Open(store.Options{Path: cfg.path, ReadOnly: true, Name: cfg.name})
		if err != nil {
			rw.Close()
			return nil, fmt.Errorf("open ro store: %w", err)
		}
	}

	queueStore := rw
	if cfg.queuePath != "" && cfg.queuePath != cfg.path {
		queueStore, err = store.Open(store.Options{Path: cfg.queuePath, Name: cfg.name + "-queue"})
		if err != nil {
			rw.Close()
			if ro != rw {
				ro.Close()
			}
			return nil, fmt.Errorf("open queue store: %w", err)
		}
	}

	ctx := context.Background()
	q, err := queue.New(ctx, queueStore)
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}

	reg, err := model.NewRegistry(cfg.models)
	if err != nil {
		return nil, fmt.Errorf("init model registry: %w", err)
	}

	ver := version.New(rw)
	ws := waiter.New(func(ctx context.Context, v int64) (queue.Event, bool, error) {
		return q.Get(ctx, v)
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		rw:         rw,
		ro:         ro,
		queueStore: queueStore,
		queue:      q,
		registry:   reg,
		version:    ver,
		pipeline:   pipeline.New(reg, ver),
		waiters:    ws,
		loopCtx:    loopCtx,
		cancelLoop: cancel,
		fatalCh:    make(chan struct{}),
	}
	return e, nil
}

// Dispatch appends an event to the queue and returns a channel that
// resolves once it has been durably processed (spec.md §4.5). data is
// marshaled to JSON unless already a json.RawMessage. ts defaults to
// the current wall-clock second.
func (e *Engine) Dispatch(ctx context.Context, typ string, data any, ts ...int64) (<-chan waiter.Outcome, error) {
	raw, err := toRawMessage(data)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", typ, err)
	}
	stamp := time.Now().Unix()
	if len(ts) > 0 {
		stamp = ts[0]
	}

	ev, err := e.queue.Add(ctx, typ, raw, stamp)
	if err != nil {
		return nil, err
	}

	ch := e.waiters.Register(ev.V)
	e.bumpMinVersion(ev.V)
	e.kick()

	// If a concurrent poller already advanced past ev.V between Add and
	// Register above, Notify was never called for this exact version
	// (the sweep in waiter.Notify only fires on a later event's Notify
	// call, which may never come). Resolve eagerly from the stored row.
	if persisted, verr := e.version.Get(ctx); verr == nil && ev.V <= persisted {
		if stored, ok, gerr := e.queue.Get(ctx, ev.V); gerr == nil && ok {
			e.waiters.Notify(ctx, stored)
		}
	}

	return ch, nil
}

func toRawMessage(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(d) == 0 {
			return json.RawMessage("{}"), nil
		}
		return d, nil
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

// WaitForQueue blocks until the next event (of any version) finishes
// processing, success or failure. Useful for a follower with no
// specific version to wait for - e.g. a process that only has a
// read-only handle and wants to notice the next write.
func (e *Engine) WaitForQueue(ctx context.Context) (Event, error) {
	id, _, _, handled := e.waiters.Subscribe()
	defer e.waiters.Unsubscribe(id)

	// Force the polling loop into blocking mode even with no specific
	// target version, so a passive watcher (no local dispatcher) still
	// notices a write made by another process within one poll tick.
	if latest, err := e.queue.LatestVersion(ctx); err == nil {
		e.bumpMinVersion(latest + 1)
	}
	e.kick()

	select {
	case ev, ok := <-handled:
		if !ok {
			return Event{}, fmt.Errorf("engine closed while waiting")
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-e.fatalCh:
		return Event{}, e.fatalErr
	case <-e.loopCtx.Done():
		return Event{}, fmt.Errorf("engine closed while waiting")
	}
}

// HandledVersion blocks until version v has been processed (or resolves
// immediately if it already has), matching spec.md §4.5's "if e.v <=
// version.get() already, resolve immediately" fast path.
func (e *Engine) HandledVersion(ctx context.Context, v int64) (Event, error) {
	if ev, done, err := e.alreadyHandled(ctx, v); err != nil {
		return Event{}, err
	} else if done {
		if ev.Failed() {
			return ev, &waiter.FailedEventError{Event: ev}
		}
		return ev, nil
	}

	ch := e.waiters.Register(v)
	e.bumpMinVersion(v)
	e.kick()

	select {
	case out := <-ch:
		return out.Event, out.Err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-e.fatalCh:
		return Event{}, e.fatalErr
	case <-e.loopCtx.Done():
		return Event{}, fmt.Errorf("engine closed while waiting")
	}
}

func (e *Engine) alreadyHandled(ctx context.Context, v int64) (Event, bool, error) {
	ev, ok, err := e.queue.Get(ctx, v)
	if err != nil || !ok {
		return Event{}, false, err
	}
	if ev.Failed() {
		return ev, true, nil
	}
	persisted, err := e.version.Get(ctx)
	if err != nil {
		return Event{}, false, err
	}
	return ev, v <= persisted, nil
}

func (e *Engine) bumpMinVersion(v int64) {
	for {
		cur := e.minVersion.Load()
		if v <= cur {
			return
		}
		if e.minVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// DB returns the underlying read-write *sql.DB, for schema setup and
// tests that need to create or inspect model tables directly.
func (e *Engine) DB() *sql.DB {
	return e.rw.DB()
}

// Subscribe registers an observer for the result/error/handled events
// described in spec.md §6.
func (e *Engine) Subscribe() (uuid.UUID, <-chan Event, <-chan Event, <-chan Event) {
	return e.waiters.Subscribe()
}

// Unsubscribe removes a previously registered observer.
func (e *Engine) Unsubscribe(id uuid.UUID) {
	e.waiters.Unsubscribe(id)
}

// Wait blocks until the polling loop reports a fatal error (more than
// the configured max retry count of consecutive failures) or ctx is
// done. In production this is
// advisory: nothing about the Engine forces a caller to invoke Wait.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.fatalCh:
		return e.fatalErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the polling loop and closes every store handle. Safe to
// call once; subsequent calls are no-ops.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancelLoop()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if cerr := e.rw.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if e.ro != e.rw {
			if cerr := e.ro.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if e.queueStore != e.rw {
			if cerr := e.queueStore.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
