package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/queue"
)

func TestPriorityOrderingScenario5(t *testing.T) {
	q := queue.New(10, 1)
	defer q.Shutdown()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	run := func(name string) queue.Run {
		return func(ctx context.Context, tok *cancel.Token) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
			return nil, nil
		}
	}

	// Block the single worker briefly so all three submissions land in the
	// pending queue before any runs, making ordering deterministic.
	blocker := make(chan struct{})
	_, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) {
		<-blocker
		return nil, nil
	})
	require.NoError(t, err)

	_, err = q.Submit(5, run("t1"))
	require.NoError(t, err)
	_, err = q.Submit(1, run("t2"))
	require.NoError(t, err)
	_, err = q.Submit(3, run("t3"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	close(blocker)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tasks never completed")
		}
	}

	require.Equal(t, []string{"t2", "t3", "t1"}, order)
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	q := queue.New(1, 1)
	defer q.Shutdown()

	blocker := make(chan struct{})
	started := make(chan struct{})
	_, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) {
		close(started)
		<-blocker
		return nil, nil
	})
	require.NoError(t, err)
	<-started // the first task is running, so the pending heap is empty again

	_, err = q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) { return nil, nil })
	require.NoError(t, err) // fills the one pending slot

	_, err = q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) { return nil, nil })
	require.Error(t, err)

	close(blocker)
}

func TestCancelPendingTransitionsDirectly(t *testing.T) {
	q := queue.New(10, 1)
	defer q.Shutdown()

	blocker := make(chan struct{})
	_, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) {
		<-blocker
		return nil, nil
	})
	require.NoError(t, err)

	id, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) { return nil, nil })
	require.NoError(t, err)

	require.True(t, q.Cancel(id))
	task, ok := q.Status(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusCancelled, task.Status)

	close(blocker)
}

func TestCancelRunningPropagatesToken(t *testing.T) {
	q := queue.New(10, 1)
	defer q.Shutdown()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	id, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) {
		close(started)
		tok.AddCallback(func(string) { close(cancelled) })
		<-cancelled
		return nil, tok.Check()
	})
	require.NoError(t, err)

	<-started
	require.True(t, q.Cancel(id))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("token never cancelled")
	}
}

func TestInvariantRunningNeverExceedsMaxConcurrent(t *testing.T) {
	q := queue.New(50, 3)
	defer q.Shutdown()

	var peak int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		_, err := q.Submit(0, func(ctx context.Context, tok *cancel.Token) (any, error) {
			defer wg.Done()
			mu.Lock()
			if r := q.RunningCount(); r > peak {
				peak = r
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.LessOrEqual(t, peak, 3)
}
