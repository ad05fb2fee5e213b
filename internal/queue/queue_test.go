package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/coreflux/internal/testutil"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s := testutil.OpenMemStore(t)

	q, err := New(context.Background(), s)
	require.NoError(t, err)
	return q
}

func TestAddAssignsMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	e1, err := q.Add(ctx, "ADD", json.RawMessage(`{"id":"a"}`), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.V)

	e2, err := q.Add(ctx, "ADD", json.RawMessage(`{"id":"b"}`), 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.V)
}

func TestAddRejectsEmptyType(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Add(context.Background(), "", nil, 1)
	require.Error(t, err)
	var invalid *ErrInvalidEvent
	require.ErrorAs(t, err, &invalid)
}

func TestGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	added, err := q.Add(ctx, "ADD", json.RawMessage(`{"id":"a"}`), 42)
	require.NoError(t, err)

	got, ok, err := q.Get(ctx, added.V)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ADD", got.Type)
	require.JSONEq(t, `{"id":"a"}`, string(got.Data))
	require.Equal(t, int64(42), got.Ts)
}

func TestGetMissingVersion(t *testing.T) {
	q := newTestQueue(t)
	_, ok, err := q.Get(context.Background(), 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetNextNonBlocking(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, ok, err := q.GetNext(ctx, 0, true)
	require.NoError(t, err)
	require.False(t, ok)

	added, err := q.Add(ctx, "ADD", nil, 1)
	require.NoError(t, err)

	next, ok, err := q.GetNext(ctx, 0, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, added.V, next.V)
}

func TestGetNextBlockingWakesOnAdd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := newTestQueue(t)

	done := make(chan Event, 1)
	go func() {
		ev, _, err := q.GetNext(ctx, 0, false)
		require.NoError(t, err)
		done <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	added, err := q.Add(ctx, "ADD", nil, 1)
	require.NoError(t, err)

	select {
	case ev := <-done:
		require.Equal(t, added.V, ev.V)
	case <-ctx.Done():
		t.Fatal("timed out waiting for GetNext to wake")
	}
}

func TestSetRecordsResultAndError(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	added, err := q.Add(ctx, "ADD", nil, 1)
	require.NoError(t, err)

	updated := added
	updated.Result = map[string]json.RawMessage{"foo": json.RawMessage(`{"ok":true}`)}
	updated.Error = map[string]string{"reduce_foo": "boom"}

	require.NoError(t, q.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		return q.Set(ctx, tx, updated)
	}))

	got, ok, err := q.Get(ctx, added.V)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "boom", got.Error["reduce_foo"])
	require.JSONEq(t, `{"ok":true}`, string(got.Result["foo"]))
}

func TestFindFailedEvents(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	ok, err := q.Add(ctx, "ADD", nil, 1)
	require.NoError(t, err)
	bad, err := q.Add(ctx, "ADD", nil, 2)
	require.NoError(t, err)

	require.NoError(t, q.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		return q.Set(ctx, tx, bad)
	}))
	failed := bad
	failed.Error = map[string]string{"reduce_foo": "boom"}
	require.NoError(t, q.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		return q.Set(ctx, tx, failed)
	}))

	got, err := q.FindFailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, bad.V, got[0].V)
	require.NotEqual(t, ok.V, got[0].V)
}

func TestLatestVersion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	v, err := q.LatestVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	_, err = q.Add(ctx, "ADD", nil, 1)
	require.NoError(t, err)
	_, err = q.Add(ctx, "ADD", nil, 2)
	require.NoError(t, err)

	v, err = q.LatestVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}
