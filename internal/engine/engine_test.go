package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/coreflux/internal/model"
	"github.com/roach88/coreflux/internal/waiter"
)

func counterModel() model.Model {
	return model.Model{
		Name: "counter",
		Reducer: func(rctx model.ReduceContext) (*model.ReduceResult, error) {
			if rctx.Event.Type != "ADD" {
				return nil, nil
			}
			return &model.ReduceResult{Changes: map[string]int{"delta": 1}}, nil
		},
		ApplyChanges: func(actx model.ApplyContext, changes any) error {
			c := changes.(map[string]int)
			_, err := actx.Tx.ExecContext(actx.Ctx, `
				INSERT INTO counters (name, n) VALUES ('counter', ?)
				ON CONFLICT(name) DO UPDATE SET n = n + excluded.n
			`, c["delta"])
			return err
		},
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(append([]Option{WithModels(counterModel()), WithName(t.Name())}, opts...)...)
	require.NoError(t, err)
	_, err = e.rw.DB().Exec(`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func TestEngineDispatchAddOneAdvancesVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)

	select {
	case out := <-ch:
		require.NoError(t, out.Err)
		require.Equal(t, int64(1), out.Event.V)
	case <-ctx.Done():
		t.Fatal("dispatch never resolved")
	}

	v, err := e.version.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	var n int
	require.NoError(t, e.rw.DB().QueryRow(`SELECT n FROM counters WHERE name = 'counter'`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestEngineDispatchReducerErrorYieldsFailedOutcome(t *testing.T) {
	e, err := New(WithModels(model.Model{
		Name: "always_fails",
		Reducer: func(model.ReduceContext) (*model.ReduceResult, error) {
			return nil, fmt.Errorf("boom")
		},
	}), WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)

	select {
	case out := <-ch:
		require.Error(t, out.Err)
		var failed *waiter.FailedEventError
		require.ErrorAs(t, out.Err, &failed)
		require.Contains(t, failed.Event.Error, "reduce_always_fails")
	case <-ctx.Done():
		t.Fatal("dispatch never resolved")
	}

	v, err := e.version.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v, "version must not advance on a failed event")
}

func TestEngineHandledVersionResolvesForAlreadyProcessedEvent(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)
	<-ch

	ev, err := e.HandledVersion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.V)
}

func TestEngineHandledVersionWaitsForFutureVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ev, err := e.HandledVersion(ctx, 1)
		if err == nil && ev.V != 1 {
			err = fmt.Errorf("unexpected version %d", ev.V)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("HandledVersion never resolved")
	}
}

func TestEngineSubscribeReceivesHandledAndResult(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, results, _, handled := e.Subscribe()
	defer e.Unsubscribe(id)

	_, err := e.Dispatch(ctx, "ADD", json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)

	select {
	case ev := <-results:
		require.Equal(t, int64(1), ev.V)
	case <-ctx.Done():
		t.Fatal("result observer never fired")
	}
	select {
	case ev := <-handled:
		require.Equal(t, int64(1), ev.V)
	case <-ctx.Done():
		t.Fatal("handled observer never fired")
	}
}

// TestEnginePollingLoopGivesUpAfterMaxRetryConsecutiveFailures forces
// the same event to fail on every pass (its reducer always errors, so
// lastV never advances and GetNext keeps returning it) and asserts the
// loop gives up and surfaces the fatal error via Wait once consecutive
// failures cross the configured MaxRetry, per spec.md §5.
func TestEnginePollingLoopGivesUpAfterMaxRetryConsecutiveFailures(t *testing.T) {
	e, err := New(
		WithModels(model.Model{
			Name: "always_fails",
			Reducer: func(model.ReduceContext) (*model.ReduceResult, error) {
				return nil, fmt.Errorf("boom")
			},
		}),
		WithName(t.Name()),
		WithMaxRetry(2),
		WithBackoffUnit(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)

	err = e.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up")
}

func TestEngineFailedApplyRollsBackPartialWrites(t *testing.T) {
	inserter := model.Model{
		Name: "inserter",
		Reducer: func(rctx model.ReduceContext) (*model.ReduceResult, error) {
			return &model.ReduceResult{Changes: map[string]int{"id": 1}}, nil
		},
		ApplyChanges: func(actx model.ApplyContext, changes any) error {
			c := changes.(map[string]int)
			_, err := actx.Tx.ExecContext(actx.Ctx, `INSERT INTO inserted (id) VALUES (?)`, c["id"])
			return err
		},
	}
	failer := model.Model{
		Name: "failer",
		Reducer: func(model.ReduceContext) (*model.ReduceResult, error) {
			return &model.ReduceResult{Changes: map[string]int{}}, nil
		},
		ApplyChanges: func(model.ApplyContext, any) error {
			return fmt.Errorf("disk full")
		},
	}

	e, err := New(WithModels(inserter, failer), WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	_, err = e.rw.DB().Exec(`CREATE TABLE inserted (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := e.Dispatch(ctx, "ADD", nil)
	require.NoError(t, err)

	select {
	case out := <-ch:
		require.Error(t, out.Err, "one model's ApplyChanges failed, so the whole event must fail")
	case <-ctx.Done():
		t.Fatal("dispatch never resolved")
	}

	var count int
	require.NoError(t, e.rw.DB().QueryRow(`SELECT COUNT(*) FROM inserted`).Scan(&count))
	require.Equal(t, 0, count, "inserter's write must be rolled back by the handle savepoint")

	v, err := e.version.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v, "version must not advance on a failed event")
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))
}
