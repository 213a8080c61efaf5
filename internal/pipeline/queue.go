package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

// Queue is the unbounded FIFO of admitted download tasks, de-duplicated per
// recipient. A resource is a duplicate when it is already in flight for the
// same recipient or when the ledger holds a delivered-download log row for
// it, so "never re-deliver the same resource to the same recipient" survives
// restarts. The in-flight set is pruned when a task finishes, keeping its
// memory bounded by pipeline depth rather than process lifetime.
//
// Pop waits with a bounded timeout so worker loops can re-check liveness;
// nothing in the queue blocks indefinitely.
type Queue struct {
	ledger *ledger.Ledger

	mu       sync.Mutex
	tasks    []domain.Task
	inflight map[string]struct{}
	closed   bool

	// notify wakes at most one waiting Pop per Push.
	notify chan struct{}
}

// NewQueue builds an empty queue over the ledger's delivered-check.
func NewQueue(l *ledger.Ledger) *Queue {
	return &Queue{
		ledger:   l,
		inflight: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func dedupKey(t domain.Task) string {
	return t.Target.String() + "#" + t.ResourceID
}

// Push appends the task unless it is a duplicate. It returns
// ErrDuplicateTask for resources already in flight or already delivered,
// and ErrQueueClosed after Close.
func (q *Queue) Push(ctx context.Context, task domain.Task) error {
	delivered, err := q.ledger.Delivered(ctx, task.Target, task.ResourceID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	key := dedupKey(task)
	if _, dup := q.inflight[key]; dup || delivered {
		q.mu.Unlock()
		tasksRejected.WithLabelValues("duplicate").Inc()
		return ErrDuplicateTask
	}
	q.inflight[key] = struct{}{}
	q.tasks = append(q.tasks, task)
	queueDepth.Set(float64(len(q.tasks)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest task, waiting up to timeout for one to
// arrive. It returns ErrPopTimeout when the window elapses empty and
// ErrQueueClosed once the queue is closed and drained.
func (q *Queue) Pop(timeout time.Duration) (domain.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			queueDepth.Set(float64(len(q.tasks)))
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return domain.Task{}, ErrQueueClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.Task{}, ErrPopTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Done releases the task's de-duplication slot. Call once per popped task,
// after it reached a terminal state. Delivered tasks stay blocked through
// the ledger's log row; failed tasks become admissible again with the next
// matching chat message.
func (q *Queue) Done(task domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, dedupKey(task))
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further pushes and lets blocked Pop calls drain the
// remaining tasks, then observe ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
