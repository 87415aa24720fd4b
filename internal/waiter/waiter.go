// Package waiter correlates in-flight requests with asynchronous results by
// composite WaitKey, per spec §4.C. It generalizes the teacher's
// 6Sack-bw2/api/peerclient.go replyCB map (a single callback keyed by a
// sequence number, resolved once and flushed with an error on disconnect)
// into an explicit per-key FIFO queue of resolvers with timeout and
// cancellation support.
package waiter

import (
	"context"
	"sync"
	"time"

	"github.com/immesys/slsk/internal/slskerr"
)

// entry is one pending wait registered against a Key.
type entry struct {
	resultCh chan result
	done     chan struct{} // closed once resolved exactly once, guards double-send
}

type result struct {
	value interface{}
	err   error
}

// Waiter is the correlation table described in spec §4.C. The zero value is
// not usable; use New.
type Waiter struct {
	mu      sync.Mutex
	pending map[Key][]*entry
	timeout time.Duration
}

// New creates a Waiter whose wait calls default to defaultTimeout when the
// caller passes zero. A non-positive defaultTimeout disables the default
// (waits block until cancelled or completed).
func New(defaultTimeout time.Duration) *Waiter {
	return &Waiter{
		pending: make(map[Key][]*entry),
		timeout: defaultTimeout,
	}
}

// Wait registers a pending wait for key and blocks until Complete/Throw
// resolves it, timeout elapses, or ctx is cancelled. timeout <= 0 uses the
// Waiter's configured default; a default of <= 0 means "no timeout".
func (w *Waiter) Wait(ctx context.Context, key Key, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = w.timeout
	}
	e := &entry{resultCh: make(chan result, 1), done: make(chan struct{})}

	w.mu.Lock()
	w.pending[key] = append(w.pending[key], e)
	w.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-e.resultCh:
		return r.value, r.err
	case <-timeoutCh:
		if w.remove(key, e) {
			return nil, slskerr.Newf(slskerr.Timeout, "wait on %v timed out after %s", key, timeout)
		}
		// Lost the race with a concurrent Complete/Throw; take its result.
		r := <-e.resultCh
		return r.value, r.err
	case <-ctx.Done():
		if w.remove(key, e) {
			return nil, slskerr.New(slskerr.Cancelled, "wait cancelled")
		}
		r := <-e.resultCh
		return r.value, r.err
	}
}

// WaitIndefinitely registers a pending wait with no timeout, bounded only by
// ctx cancellation, per spec §4.C wait_indefinitely.
func (w *Waiter) WaitIndefinitely(ctx context.Context, key Key) (interface{}, error) {
	e := &entry{resultCh: make(chan result, 1), done: make(chan struct{})}
	w.mu.Lock()
	w.pending[key] = append(w.pending[key], e)
	w.mu.Unlock()

	select {
	case r := <-e.resultCh:
		return r.value, r.err
	case <-ctx.Done():
		if w.remove(key, e) {
			return nil, slskerr.New(slskerr.Cancelled, "wait cancelled")
		}
		r := <-e.resultCh
		return r.value, r.err
	}
}

// remove deletes e from key's queue if still present, returning true if it
// removed it (i.e. no one resolved it concurrently). It never blocks.
func (w *Waiter) remove(key Key, e *entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-e.done:
		// Already resolved by Complete/Throw before we could cancel it.
		return false
	default:
	}
	q := w.pending[key]
	for i, pe := range q {
		if pe == e {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(w.pending, key)
			} else {
				w.pending[key] = q
			}
			close(e.done)
			return true
		}
	}
	return false
}

// Complete resolves the head of key's FIFO queue with value. A Complete on
// an unknown key is a no-op (a message arrived after the waiter gave up),
// per spec §4.C.
func (w *Waiter) Complete(key Key, value interface{}) {
	w.resolveHead(key, result{value: value})
}

// Throw resolves the head of key's FIFO queue with err.
func (w *Waiter) Throw(key Key, err error) {
	w.resolveHead(key, result{err: err})
}

func (w *Waiter) resolveHead(key Key, r result) {
	w.mu.Lock()
	q := w.pending[key]
	if len(q) == 0 {
		w.mu.Unlock()
		return
	}
	e := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(w.pending, key)
	} else {
		w.pending[key] = q
	}
	close(e.done)
	w.mu.Unlock()

	e.resultCh <- r
}

// ThrowAllForConnection resolves every pending wait whose key matches the
// given predicate with err — used when a connection disconnects and every
// wait registered against it must fail with ConnectionError, per spec §7
// propagation policy. The predicate receives each currently-pending key.
func (w *Waiter) ThrowAllForConnection(matches func(Key) bool, err error) {
	w.mu.Lock()
	var toResolve []*entry
	for key, q := range w.pending {
		if !matches(key) {
			continue
		}
		toResolve = append(toResolve, q...)
		delete(w.pending, key)
	}
	w.mu.Unlock()

	for _, e := range toResolve {
		close(e.done)
		e.resultCh <- result{err: err}
	}
}

// CancelAll fails every pending wait across every key with Cancelled,
// removing all slots. Per spec §4.C cancel_all.
func (w *Waiter) CancelAll() {
	w.mu.Lock()
	all := w.pending
	w.pending = make(map[Key][]*entry)
	w.mu.Unlock()

	cancelErr := slskerr.New(slskerr.Cancelled, "waiter shut down")
	for _, q := range all {
		for _, e := range q {
			close(e.done)
			e.resultCh <- result{err: cancelErr}
		}
	}
}

// PendingCount returns how many waits are currently registered against key,
// for tests asserting the "no orphan slots" invariant (spec §8).
func (w *Waiter) PendingCount(key Key) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[key])
}

// TotalPending returns the count of all pending waits across every key.
func (w *Waiter) TotalPending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, q := range w.pending {
		n += len(q)
	}
	return n
}
