package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coreflux/internal/queue"
)

// kick starts the polling loop if it is not already running. Safe to
// call from any goroutine; a no-op while a pass is in flight (spec.md
// §4.6, "single-flight").
func (e *Engine) kick() {
	e.rsMu.Lock()
	if e.running || e.closed.Load() {
		e.rsMu.Unlock()
		return
	}
	e.running = true
	e.rsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.rsMu.Lock()
			e.running = false
			e.rsMu.Unlock()
		}()
		e.run()
	}()
}

// run is Engine.run (component C6), implementing spec.md §4.6's
// pseudocode: fetch the next event past the last known-good version,
// process it inside one write transaction guarded by a "handle"
// savepoint, notify waiters, and back off on repeated failure.
func (e *Engine) run() {
	ctx := e.loopCtx

	lastV, err := e.version.Get(ctx)
	if err != nil {
		e.fail(fmt.Errorf("read initial version: %w", err))
		return
	}
	errs := 0

	for {
		if mv := e.minVersion.Load(); mv > 0 && mv <= lastV {
			return
		}
		if e.closed.Load() {
			return
		}

		if errs > 0 {
			if errs > e.cfg.maxRetry {
				e.fail(fmt.Errorf("giving up on event %d after %d failures", lastV+1, errs))
				return
			}
			e.resetConnections()
			select {
			case <-time.After(backoffDuration(e.cfg.backoffUnit, errs)):
			case <-ctx.Done():
				return
			}
		}

		noBlock := e.minVersion.Load() <= lastV
		ev, ok, err := e.queue.GetNext(ctx, lastV, noBlock)
		if err != nil {
			slog.Error("engine: poll failed", "after", lastV, "error", err)
			errs++
			continue
		}
		if !ok {
			return
		}

		resultEvent, raced, err := e.processOne(ctx, ev)
		if err != nil {
			slog.Error("engine: process failed", "v", ev.V, "error", err)
			errs++
			continue
		}
		if raced {
			continue
		}

		if resultEvent.Failed() {
			errs++
			lastV = resultEvent.V - 1
			slog.Warn("engine: event failed", "v", resultEvent.V, "error", resultEvent.Error)
		} else {
			errs = 0
			lastV = resultEvent.V
		}

		e.waiters.Notify(ctx, resultEvent)

		if e.closed.Load() || (resultEvent.Failed() && e.cfg.stopOnError) {
			return
		}
	}
}

// processOne runs ev through the pipeline inside one write transaction,
// exactly per spec.md §4.6's resultEvent block.
func (e *Engine) processOne(ctx context.Context, ev queue.Event) (queue.Event, bool, error) {
	raced := false

	err := e.rw.WithTransaction(ctx, func(tx *sql.Tx) error {
		persisted, err := e.version.GetTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("_SQLite: read version: %w", err)
		}
		if ev.V <= persisted {
			raced = true
			return nil
		}

		ev.Error = nil
		ev.Result = nil
		ev.FailedResult = nil

		if err := e.rw.Savepoint(ctx, tx, "handle"); err != nil {
			return fmt.Errorf("_SQLite: open handle savepoint: %w", err)
		}

		if err := e.pipeline.Handle(ctx, tx, e.ro.DB(), &ev, 0); err != nil {
			return fmt.Errorf("_SQLite: pipeline handle: %w", err)
		}

		if ev.Failed() {
			if err := e.rw.RollbackTo(ctx, tx, "handle"); err != nil {
				return fmt.Errorf("_SQLite: rollback handle savepoint: %w", err)
			}
		}
		if err := e.rw.Release(ctx, tx, "handle"); err != nil {
			return fmt.Errorf("_SQLite: release handle savepoint: %w", err)
		}

		return e.queue.Set(ctx, tx, ev)
	})
	if err != nil {
		return queue.Event{}, false, err
	}
	return ev, raced, nil
}

// resetConnections closes and immediately reopens every store handle, the
// backoff-driven recovery path for transient locks or I/O errors
// (spec.md §5, "Backoff & connection reset").
func (e *Engine) resetConnections() {
	if err := e.rw.Reopen(); err != nil {
		slog.Error("engine: reopen rw store failed", "error", err)
	}
	if e.ro != e.rw {
		if err := e.ro.Reopen(); err != nil {
			slog.Error("engine: reopen ro store failed", "error", err)
		}
	}
	if e.queueStore != e.rw {
		if err := e.queueStore.Reopen(); err != nil {
			slog.Error("engine: reopen queue store failed", "error", err)
		}
	}
}

// backoffDuration is the polling loop's backoff formula (spec.md §5):
// it grows linearly with the consecutive failure count so a transient
// blip costs one unit while a wedged store backs off for much longer.
func backoffDuration(unit time.Duration, errs int) time.Duration {
	return unit * time.Duration(errs)
}

// fail records a fatal loop error. In production this is advisory -
// Wait (and the blocked WaitForQueue/HandledVersion calls) are how a
// caller learns of it; nothing is sent on the errors observer channel,
// and the loop never calls os.Exit itself so the Engine stays usable as
// a library.
func (e *Engine) fail(err error) {
	e.fatalOnce.Do(func() {
		e.fatalErr = err
		slog.Error("engine: polling loop giving up", "error", err)
		close(e.fatalCh)
	})
}
