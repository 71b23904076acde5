package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func noop(ctx context.Context) error { return nil }

func TestTaskQueue_PutAndPending(t *testing.T) {
	q := newTaskQueue("db-1.example.org")

	if !q.empty() {
		t.Error("new queue should be empty")
	}

	t1 := task{id: uuid.New(), name: "backup stand-a", run: noop}
	t2 := task{id: uuid.New(), name: "backup stand-b", run: noop}
	if err := q.put(t1); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := q.put(t2); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	names := q.pendingNames()
	if len(names) != 2 || names[0] != "backup stand-a" || names[1] != "backup stand-b" {
		t.Errorf("unexpected pending names %v", names)
	}
	if q.depth() != 2 {
		t.Errorf("expected depth 2, got %d", q.depth())
	}
}

func TestTaskQueue_StartedRemovesPending(t *testing.T) {
	q := newTaskQueue("db-1.example.org")
	t1 := task{id: uuid.New(), name: "update stand-a", run: noop}
	if err := q.put(t1); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	q.started(t1.id)
	if !q.empty() {
		t.Errorf("expected empty pending list, got %v", q.pendingNames())
	}

	// Unknown ids are ignored
	q.started(uuid.New())
}

func TestTaskQueue_Full(t *testing.T) {
	q := newTaskQueue("db-1.example.org")
	for i := 0; i < queueCapacity; i++ {
		if err := q.put(task{id: uuid.New(), name: "t", run: noop}); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	if err := q.put(task{id: uuid.New(), name: "overflow", run: noop}); err == nil {
		t.Error("expected error when queue is full")
	}
}
