// Package queue implements the Task Queue & Scheduler: a bounded priority
// queue with a fixed-size worker pool. Unlike the original source's
// 0.1-second poll loop, workers block on a condition variable and are woken
// exactly when work becomes available or the queue is shut down.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/errs"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is the work a Task executes once scheduled. It must respect token
// cancellation.
type Run func(ctx context.Context, token *cancel.Token) (result any, err error)

// Task is one unit of scheduled work.
type Task struct {
	ID          string
	Priority    int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Status      Status
	Result      any
	Err         error
	Token       *cancel.Token

	run       Run
	callbacks []func(*Task)
	heapIndex int
}

// Snapshot returns a copy of the task's observable state, safe to read
// without holding the queue's lock.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.run = nil
	cp.callbacks = nil
	return cp
}

// taskHeap is a min-heap ordered by (priority, created_at): lower priority
// value runs first, ties broken by earliest creation.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Queue is the bounded priority queue with its worker pool.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   taskHeap
	byID      map[string]*Task
	maxQueue  int
	maxConcur int
	running   int
	shutdown  bool

	wg sync.WaitGroup
}

// New constructs a Queue with the given bounds and starts its worker pool.
func New(maxQueueSize, maxConcurrent int) *Queue {
	q := &Queue{
		byID:      make(map[string]*Task),
		maxQueue:  maxQueueSize,
		maxConcur: maxConcurrent,
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pending)
	for i := 0; i < maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a task at the given priority, returning its id. Fails
// with errs.KindQueueFull-equivalent when the pending count is already at
// capacity — the queue never blocks the caller.
func (q *Queue) Submit(priority int, run Run, onTerminal ...func(*Task)) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return "", errs.New(errs.KindConfigError, "queue.Submit", "queue is shut down", nil)
	}
	if len(q.pending) >= q.maxQueue {
		return "", errs.New(errs.KindQueueFull, "queue.Submit", "queue full", nil)
	}
	id := uuid.NewString()
	t := &Task{
		ID:        id,
		Priority:  priority,
		CreatedAt: time.Now(),
		Status:    StatusPending,
		Token:     cancel.NewToken(id),
		run:       run,
		callbacks: onTerminal,
	}
	heap.Push(&q.pending, t)
	q.byID[id] = t
	q.cond.Signal()
	return id, nil
}

// Cancel cancels task_id. If Pending, the task is removed from the queue
// and transitioned to Cancelled directly. If Running, its token is
// cancelled so the in-flight Run observes it cooperatively. Returns whether
// a state change occurred.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	t, ok := q.byID[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	switch t.Status {
	case StatusPending:
		if t.heapIndex >= 0 {
			heap.Remove(&q.pending, t.heapIndex)
		}
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		callbacks := append([]func(*Task){}, t.callbacks...)
		q.mu.Unlock()
		t.Token.Cancel("user")
		fireCallbacks(callbacks, t)
		return true
	case StatusRunning:
		q.mu.Unlock()
		t.Token.Cancel("user")
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// Status returns a snapshot of task_id's state, or (Task{}, false) if
// unknown.
func (q *Queue) Status(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Snapshot(), true
}

// PurgeCompleted removes terminal tasks older than olderThan and returns
// the count removed.
func (q *Queue) PurgeCompleted(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, t := range q.byID {
		if isTerminal(t.Status) && t.CompletedAt.Before(cutoff) {
			delete(q.byID, id)
			removed++
		}
	}
	return removed
}

// RunningCount and PendingCount support the universal invariant that
// running_count <= max_concurrent and pending_count <= max_queue_size.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown cancels every running task's token, wakes all workers so they
// observe shutdown, and waits for them to drain.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	for _, t := range q.byID {
		if t.Status == StatusRunning {
			t.Token.Cancel("shutdown")
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func fireCallbacks(callbacks []func(*Task), t *Task) {
	snap := t.Snapshot()
	for _, cb := range callbacks {
		fireIsolated(cb, &snap)
	}
}

func fireIsolated(cb func(*Task), t *Task) {
	defer func() { _ = recover() }()
	cb(t)
}

// worker blocks on the condition variable until a task is available (or
// shutdown), then pops and runs the highest-priority task.
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.shutdown {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.shutdown {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.pending).(*Task)
		t.Status = StatusRunning
		t.StartedAt = time.Now()
		q.running++
		q.mu.Unlock()

		ctx := context.Background()
		result, err := t.run(ctx, t.Token)

		q.mu.Lock()
		q.running--
		t.CompletedAt = time.Now()
		switch {
		case t.Token.Cancelled():
			t.Status = StatusCancelled
		case err != nil:
			t.Status = StatusFailed
			t.Err = err
		default:
			t.Status = StatusCompleted
			t.Result = result
		}
		callbacks := append([]func(*Task){}, t.callbacks...)
		q.mu.Unlock()

		fireCallbacks(callbacks, t)
	}
}
