package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/coreflux/internal/store"
)

// pollInterval bounds how long a blocking GetNext can miss a write made
// on a different connection to the same file before it notices.
const pollInterval = 1 * time.Second

// Queue is the append-only event log described in spec.md §4.1.
type Queue struct {
	store *store.Store

	mu     sync.Mutex
	signal chan struct{} // buffered 1; coalesces same-process wakeups

	sf singleflight.Group
}

// schemaName identifies the queue's schema in the store's migration
// registry (see store.RegisterMigrations/RunMigrations).
const schemaName = "queue"

// Migrations returns the queue's schema as a store.Migration set, keyed
// by target version, for a caller that wants to fold it into a wider
// migration set registered before the store is opened for real use.
func Migrations() map[int]store.Migration {
	return map[int]store.Migration{
		1: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS events (
					v             INTEGER PRIMARY KEY,
					type          TEXT NOT NULL,
					ts            INTEGER NOT NULL,
					data          TEXT NOT NULL DEFAULT '{}',
					result        TEXT,
					error         TEXT,
					failed_result TEXT,
					events        TEXT
				)
			`)
			return err
		},
	}
}

// New wraps s as an event queue, registering and applying its schema
// migration. Safe to call more than once against the same Store: the
// migration is recorded in the store's schema_migrations table and
// RunMigrations skips whatever is already applied.
func New(ctx context.Context, s *store.Store) (*Queue, error) {
	q := &Queue{store: s, signal: make(chan struct{}, 1)}
	s.RegisterMigrations(schemaName, Migrations())
	if err := s.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("run queue migrations: %w", err)
	}
	return q, nil
}

// Add appends a new event, assigning the next v atomically.
func (q *Queue) Add(ctx context.Context, typ string, data json.RawMessage, ts int64) (Event, error) {
	if typ == "" {
		return Event{}, &ErrInvalidEvent{Reason: "type must be non-empty"}
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var out Event
	err := q.store.WithTransaction(ctx, func(tx *sql.Tx) error {
		var next int64
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(v), 0) + 1 FROM events`)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("compute next version: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (v, type, ts, data) VALUES (?, ?, ?, ?)
		`, next, typ, ts, string(data))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		out = Event{V: next, Type: typ, Data: data, Ts: ts}
		return nil
	})
	if err != nil {
		return Event{}, err
	}

	q.wake()
	return out, nil
}

// Get performs a point lookup by version. Returns (Event{}, false, nil)
// if no such version exists.
func (q *Queue) Get(ctx context.Context, v int64) (Event, bool, error) {
	row := q.store.DB().QueryRowContext(ctx, `
		SELECT v, type, ts, data, result, error, failed_result, events
		FROM events WHERE v = ?
	`, v)
	return scanEvent(row)
}

// GetNext returns the first event with v > afterV. In non-blocking
// mode it returns immediately with (Event{}, false, nil) if none
// exists. In blocking mode it suspends until one does, polling at
// pollInterval and waking immediately on a local Add, until ctx is
// done.
func (q *Queue) GetNext(ctx context.Context, afterV int64, noBlock bool) (Event, bool, error) {
	for {
		row := q.store.DB().QueryRowContext(ctx, `
			SELECT v, type, ts, data, result, error, failed_result, events
			FROM events WHERE v > ? ORDER BY v LIMIT 1
		`, afterV)
		ev, ok, err := scanEvent(row)
		if err != nil {
			return Event{}, false, err
		}
		if ok {
			return ev, true, nil
		}
		if noBlock {
			return Event{}, false, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Event{}, false, ctx.Err()
		case <-timer.C:
		case <-q.signal:
			timer.Stop()
		}
	}
}

// Set upserts event by its v, recording the processing result/error
// back into the queue row.
func (q *Queue) Set(ctx context.Context, tx *sql.Tx, ev Event) error {
	resultJSON, err := marshalMap(ev.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errorJSON, err := marshalStringMap(ev.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	failedJSON, err := marshalMap(ev.FailedResult)
	if err != nil {
		return fmt.Errorf("marshal failed_result: %w", err)
	}
	eventsJSON, err := marshalSubEvents(ev.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	exec := tx.ExecContext
	if tx == nil {
		return fmt.Errorf("set requires an active transaction")
	}
	_, err = exec(ctx, `
		INSERT INTO events (v, type, ts, data, result, error, failed_result, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(v) DO UPDATE SET
			type = excluded.type,
			ts = excluded.ts,
			data = excluded.data,
			result = excluded.result,
			error = excluded.error,
			failed_result = excluded.failed_result,
			events = excluded.events
	`, ev.V, ev.Type, ev.Ts, string(ev.Data), resultJSON, errorJSON, failedJSON, eventsJSON)
	if err != nil {
		return fmt.Errorf("upsert event %d: %w", ev.V, err)
	}
	return nil
}

// LatestVersion returns the highest enqueued v (not necessarily
// processed). Concurrent callers coalesce into a single read.
func (q *Queue) LatestVersion(ctx context.Context) (int64, error) {
	v, err, _ := q.sf.Do("latest", func() (any, error) {
		var latest int64
		row := q.store.DB().QueryRowContext(ctx, `SELECT COALESCE(MAX(v), 0) FROM events`)
		if err := row.Scan(&latest); err != nil {
			return int64(0), fmt.Errorf("read latest version: %w", err)
		}
		return latest, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// FindFailedEvents returns every persisted event with a non-empty error
// map, ordered by v, for operator-driven recovery/inspection (spec.md
// §9 supplement; analogous to a "list what needs manual attention"
// query over the queue table).
func (q *Queue) FindFailedEvents(ctx context.Context) ([]Event, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT v, type, ts, data, result, error, failed_result, events
		FROM events WHERE error IS NOT NULL ORDER BY v
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, ok, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, rows.Err()
}

// wake signals any blocked GetNext callers without blocking itself.
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanEventFrom serve a single-row lookup or a multi-row iteration.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (Event, bool, error) {
	ev, err := scanEventFrom(row)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func scanEventRows(rows *sql.Rows) (Event, bool, error) {
	ev, err := scanEventFrom(rows)
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func scanEventFrom(row rowScanner) (Event, error) {
	var (
		ev                                        Event
		data                                       string
		result, errCol, failedResult, eventsColumn sql.NullString
	)
	err := row.Scan(&ev.V, &ev.Type, &ev.Ts, &data, &result, &errCol, &failedResult, &eventsColumn)
	if err != nil {
		return Event{}, err
	}
	ev.Data = json.RawMessage(data)

	if result.Valid {
		if ev.Result, err = unmarshalMap(result.String); err != nil {
			return Event{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errCol.Valid {
		if ev.Error, err = unmarshalStringMap(errCol.String); err != nil {
			return Event{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if failedResult.Valid {
		if ev.FailedResult, err = unmarshalMap(failedResult.String); err != nil {
			return Event{}, fmt.Errorf("unmarshal failed_result: %w", err)
		}
	}
	if eventsColumn.Valid {
		if ev.Events, err = unmarshalSubEvents(eventsColumn.String); err != nil {
			return Event{}, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	return ev, nil
}

func marshalMap(m map[string]json.RawMessage) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalStringMap(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalSubEvents(sub []SubEvent) (any, error) {
	if sub == nil {
		return nil, nil
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStringMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalSubEvents(s string) ([]SubEvent, error) {
	if s == "" {
		return nil, nil
	}
	var sub []SubEvent
	if err := json.Unmarshal([]byte(s), &sub); err != nil {
		return nil, err
	}
	return sub, nil
}
