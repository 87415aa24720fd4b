package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/immesys/slsk/internal/slskerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteResolvesWaiter(t *testing.T) {
	w := New(time.Second)
	key := NewKey(1, "alice")

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := w.Wait(context.Background(), key, 0)
		resultCh <- v
		errCh <- err
	}()

	// Give the goroutine a chance to register before completing.
	for w.PendingCount(key) == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Complete(key, "payload")

	require.NoError(t, <-errCh)
	assert.Equal(t, "payload", <-resultCh)
}

func TestFIFOOrdering(t *testing.T) {
	w := New(time.Second)
	key := NewKey(2)

	type out struct {
		v   interface{}
		err error
	}
	// Register the waits one at a time so their queue order is known.
	results := make([]chan out, 3)
	for i := 0; i < 3; i++ {
		ch := make(chan out, 1)
		results[i] = ch
		go func() {
			v, err := w.Wait(context.Background(), key, 0)
			ch <- out{v, err}
		}()
		for w.PendingCount(key) != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	w.Complete(key, "first")
	w.Complete(key, "second")
	w.Complete(key, "third")

	for i, want := range []string{"first", "second", "third"} {
		o := <-results[i]
		require.NoError(t, o.err)
		assert.Equal(t, want, o.v)
	}
}

func TestTimeout(t *testing.T) {
	w := New(0)
	key := NewKey(3)
	_, err := w.Wait(context.Background(), key, 20*time.Millisecond)
	require.Error(t, err)
	kind, ok := slskerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, slskerr.Timeout, kind)
	assert.Zero(t, w.TotalPending())
}

func TestDefaultTimeoutAppliesWhenZeroPassed(t *testing.T) {
	w := New(20 * time.Millisecond)
	key := NewKey(4)
	start := time.Now()
	_, err := w.Wait(context.Background(), key, 0)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestCancellationViaContext(t *testing.T) {
	w := New(time.Minute)
	key := NewKey(5)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Wait(ctx, key, 0)
		errCh <- err
	}()
	for w.PendingCount(key) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-errCh
	require.Error(t, err)
	kind, ok := slskerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, slskerr.Cancelled, kind)
	assert.Zero(t, w.TotalPending())
}

func TestThrowResolvesHeadWithError(t *testing.T) {
	w := New(time.Second)
	key := NewKey(6)
	errCh := make(chan error, 1)
	go func() {
		_, err := w.Wait(context.Background(), key, 0)
		errCh <- err
	}()
	for w.PendingCount(key) == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Throw(key, slskerr.New(slskerr.UserOffline, "gone"))

	err := <-errCh
	require.Error(t, err)
	kind, ok := slskerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, slskerr.UserOffline, kind)
}

func TestCompleteOnUnknownKeyIsNoOp(t *testing.T) {
	w := New(time.Second)
	w.Complete(NewKey(7), "nobody home")
	assert.Zero(t, w.TotalPending())
}

func TestCancelAllFailsEveryPendingWait(t *testing.T) {
	w := New(time.Minute)
	keys := []Key{NewKey(8, "a"), NewKey(8, "b"), NewKey(9)}
	errCh := make(chan error, len(keys))
	for _, k := range keys {
		k := k
		go func() {
			_, err := w.Wait(context.Background(), k, 0)
			errCh <- err
		}()
	}
	for w.TotalPending() != len(keys) {
		time.Sleep(time.Millisecond)
	}

	w.CancelAll()

	for range keys {
		err := <-errCh
		require.Error(t, err)
		kind, ok := slskerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, slskerr.Cancelled, kind)
	}
	assert.Zero(t, w.TotalPending())
}

func TestWaitIndefinitelyBlocksUntilComplete(t *testing.T) {
	w := New(10 * time.Millisecond) // default timeout must NOT apply here
	key := NewKey(10)
	resultCh := make(chan interface{}, 1)
	go func() {
		v, _ := w.WaitIndefinitely(context.Background(), key)
		resultCh <- v
	}()

	time.Sleep(30 * time.Millisecond) // outlast the configured default
	w.Complete(key, "still here")
	assert.Equal(t, "still here", <-resultCh)
}

func TestThrowAllForConnectionMatchesPredicate(t *testing.T) {
	w := New(time.Minute)
	matching := NewKey(11, "bob")
	other := NewKey(12, "carol")

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := w.Wait(context.Background(), matching, 0)
		errA <- err
	}()
	go func() {
		_, err := w.Wait(context.Background(), other, 0)
		errB <- err
	}()
	for w.TotalPending() != 2 {
		time.Sleep(time.Millisecond)
	}

	connErr := slskerr.New(slskerr.ConnectionError, "peer dropped")
	w.ThrowAllForConnection(func(k Key) bool { return k == matching }, connErr)

	err := <-errA
	require.Error(t, err)
	kind, _ := slskerr.KindOf(err)
	assert.Equal(t, slskerr.ConnectionError, kind)

	assert.Equal(t, 1, w.TotalPending())
	w.Complete(other, "unaffected")
	require.NoError(t, <-errB)
}
