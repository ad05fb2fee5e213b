// Package waiter implements the Waiter Set (component C7): a registry
// of pending "wake me when version >= v is processed" completions,
// fired by the polling loop, plus the result/error/handled observer
// broadcast described in spec.md §4.7 and §6.
package waiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/coreflux/internal/queue"
)

// observerBuffer bounds how far a slow subscriber can lag before its
// events are dropped; the pipeline never blocks on a subscriber.
const observerBuffer = 64

// ReadFunc re-reads a specific version from the queue. Used by Notify's
// sweep to fulfill waiters for versions processed by another writer.
type ReadFunc func(ctx context.Context, v int64) (queue.Event, bool, error)

// Outcome is delivered to a waiter when its version is processed.
type Outcome struct {
	Event queue.Event
	// Err is set iff Event committed with a non-empty Error map.
	Err error
}

// FailedEventError wraps an event that committed with error set, so
// callers can recover the full record via errors.As.
type FailedEventError struct {
	Event queue.Event
}

func (e *FailedEventError) Error() string {
	return fmt.Sprintf("event %d failed: %v", e.Event.V, e.Event.Error)
}

type entry struct {
	ch chan Outcome
}

type subscription struct {
	results chan queue.Event
	errs    chan queue.Event
	handled chan queue.Event
}

// Set is the waiter registry plus observer broadcast.
type Set struct {
	read ReadFunc

	mu      sync.Mutex
	pending map[int64]*entry

	subMu sync.Mutex
	subs  map[uuid.UUID]*subscription
}

// New creates a Set. read is used by Notify to re-fetch a version swept
// up on behalf of another writer.
func New(read ReadFunc) *Set {
	return &Set{
		read:    read,
		pending: make(map[int64]*entry),
		subs:    make(map[uuid.UUID]*subscription),
	}
}

// Register returns a channel that receives the Outcome for v exactly
// once. Idempotent: a second Register for the same pending v returns
// the same channel.
func (s *Set) Register(v int64) <-chan Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pending[v]; ok {
		return e.ch
	}
	e := &entry{ch: make(chan Outcome, 1)}
	s.pending[v] = e
	return e.ch
}

// Notify fulfills the waiter for event.V if one is registered, then
// sweeps every waiter at or below event.V once event.V is at least as
// high as the highest version anyone is waiting for - those versions
// were processed by a writer other than the one that called Notify,
// and never got an individual Notify of their own.
func (s *Set) Notify(ctx context.Context, ev queue.Event) {
	s.mu.Lock()
	maxWaiting := int64(0)
	for v := range s.pending {
		if v > maxWaiting {
			maxWaiting = v
		}
	}
	s.fulfillLocked(ev.V, ev)
	sweep := ev.V >= maxWaiting
	var toSweep []int64
	if sweep {
		for v := range s.pending {
			if v <= ev.V {
				toSweep = append(toSweep, v)
			}
		}
	}
	s.mu.Unlock()

	for _, v := range toSweep {
		swept, ok, err := s.read(ctx, v)
		if err != nil || !ok {
			continue
		}
		s.mu.Lock()
		s.fulfillLocked(v, swept)
		s.mu.Unlock()
	}

	s.broadcast(ev)
}

// fulfillLocked must be called with s.mu held.
func (s *Set) fulfillLocked(v int64, ev queue.Event) {
	e, ok := s.pending[v]
	if !ok {
		return
	}
	delete(s.pending, v)

	outcome := Outcome{Event: ev}
	if ev.Failed() {
		outcome.Err = &FailedEventError{Event: ev}
	}
	e.ch <- outcome
	close(e.ch)
}

// Subscribe registers an observer and returns its id plus its three
// channels (result, error, handled - fired for every processed event
// regardless of outcome).
func (s *Set) Subscribe() (uuid.UUID, <-chan queue.Event, <-chan queue.Event, <-chan queue.Event) {
	id := uuid.New()
	sub := &subscription{
		results: make(chan queue.Event, observerBuffer),
		errs:    make(chan queue.Event, observerBuffer),
		handled: make(chan queue.Event, observerBuffer),
	}
	s.subMu.Lock()
	s.subs[id] = sub
	s.subMu.Unlock()
	return id, sub.results, sub.errs, sub.handled
}

// Unsubscribe removes an observer and closes its channels.
func (s *Set) Unsubscribe(id uuid.UUID) {
	s.subMu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	if !ok {
		return
	}
	close(sub.results)
	close(sub.errs)
	close(sub.handled)
}

// broadcast fans ev out to every subscriber: "result" or "error"
// depending on outcome, and always "handled". A subscriber that isn't
// draining its channel has its event dropped rather than blocking the
// pipeline; a panic from a closed-channel race is recovered and logged
// (spec.md §4.7: "throws by observers are logged and swallowed").
func (s *Set) broadcast(ev queue.Event) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("waiter: observer send recovered", "panic", r)
				}
			}()
			if ev.Failed() {
				trySend(sub.errs, ev)
			} else {
				trySend(sub.results, ev)
			}
			trySend(sub.handled, ev)
		}()
	}
}

func trySend(ch chan queue.Event, ev queue.Event) {
	select {
	case ch <- ev:
	default:
		slog.Warn("waiter: observer channel full, dropping event", "v", ev.V)
	}
}

// Pending returns the number of outstanding waiters, for tests and
// diagnostics.
func (s *Set) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
