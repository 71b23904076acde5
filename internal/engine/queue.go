package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// queueCapacity bounds how many tasks can wait per database server.
const queueCapacity = 100

// task is one unit of queued stand maintenance work.
type task struct {
	id   uuid.UUID
	name string
	run  func(ctx context.Context) error
}

// taskQueue is a bounded FIFO of maintenance tasks for all stands sharing one
// database server. One worker goroutine drains it, so tasks against the same
// database never overlap.
type taskQueue struct {
	dbAddr string
	ch     chan task

	mu      sync.Mutex
	pending []task // enqueued but not yet picked up by the worker
}

func newTaskQueue(dbAddr string) *taskQueue {
	return &taskQueue{
		dbAddr: dbAddr,
		ch:     make(chan task, queueCapacity),
	}
}

// put enqueues a task, failing when the queue is full.
func (q *taskQueue) put(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.ch <- t:
		q.pending = append(q.pending, t)
		return nil
	default:
		return fmt.Errorf("task queue for %q is full", q.dbAddr)
	}
}

// started removes a task from the pending list once the worker picked it up.
func (q *taskQueue) started(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// pendingNames lists the names of tasks still waiting in the queue.
func (q *taskQueue) pendingNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.Map(q.pending, func(t task, _ int) string { return t.name })
}

func (q *taskQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
