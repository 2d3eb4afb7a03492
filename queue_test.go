package mark5xfer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(i))
	}

	for i := 0; i < 4; i++ {
		v, err := q.Pop()
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Push(1))

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push should have blocked on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push should have unblocked once room was freed")
	}
}

func TestQueueDisableWakesWaiters(t *testing.T) {
	q := NewQueue[int](1)

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Disable()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueDisabled)
	case <-time.After(time.Second):
		t.Fatal("Pop should unblock once the queue is disabled")
	}

	_, err := q.Pop()
	require.ErrorIs(t, err, ErrQueueDisabled)

	require.ErrorIs(t, q.Push(1), ErrQueueClosed)
}

func TestQueueDisableDrainsBacklogFirst(t *testing.T) {
	q := NewQueue[int](4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))

	q.Disable()

	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = q.Pop()
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = q.Pop()
	require.ErrorIs(t, err, ErrQueueDisabled)
}

func TestQueueDelayedDisableRejectsNewPushesOnly(t *testing.T) {
	q := NewQueue[int](4)
	require.NoError(t, q.Push(1))

	q.DelayedDisable()
	require.ErrorIs(t, q.Push(2), ErrQueueClosed)

	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestQueueTryPushTryPop(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.TryPush(1))
	require.ErrorIs(t, q.TryPush(2), ErrQueueFull)

	v, err := q.TryPop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = q.TryPop()
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue[int](8)
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			require.NoError(t, q.Push(i))
		}
		q.DelayedDisable()
	}()

	sum := 0
	for {
		v, err := q.TryPop()
		if err == ErrQueueEmpty {
			continue
		}
		if err == ErrQueueDisabled {
			break
		}
		require.NoError(t, err)
		sum += v
	}

	wg.Wait()
	require.Equal(t, n*(n-1)/2, sum)
}

func TestQueuePopDeadlineTimeout(t *testing.T) {
	q := NewQueue[int](1)
	_, err := q.PopDeadline(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrQueueTimeout)
}

func TestQueuePopDeadlineValue(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Push(7))
	v, err := q.PopDeadline(time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestQueuePopDeadlineDisabled(t *testing.T) {
	q := NewQueue[int](1)
	q.Disable()
	_, err := q.PopDeadline(time.Second)
	require.ErrorIs(t, err, ErrQueueDisabled)
}
