package association

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relator/api/internal/store"
)

// Queue holds pending tasks. Enqueue never stores two tasks with the same
// {taskType, data}; Ack removes a task once its side effect is applied.
type Queue interface {
	Enqueue(ctx context.Context, task Task) (bool, error)
	DequeueBatch(ctx context.Context, n int) ([]Task, error)
	Ack(ctx context.Context, id string) error
	Pending(ctx context.Context) (int, error)
}

// StoreQueue keeps tasks in the associationTasks collection. DequeueBatch only
// reads: tasks stay in the collection until acked.
type StoreQueue struct {
	docs store.Store
	now  func() time.Time
}

func NewStoreQueue(docs store.Store) *StoreQueue {
	return &StoreQueue{docs: docs, now: time.Now}
}

func (q *StoreQueue) Enqueue(ctx context.Context, task Task) (bool, error) {
	if task.Fingerprint == "" {
		return false, fmt.Errorf("enqueue %s: missing fingerprint", task.TaskType)
	}
	_, err := q.docs.QueryOne(ctx, TasksCollection, store.Filter{store.Eq("fingerprint", task.Fingerprint)})
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("check queued task: %w", err)
	}

	if task.Timestamp == 0 {
		task.Timestamp = q.now().UnixMilli()
	}
	doc, err := store.Encode(task)
	if err != nil {
		return false, err
	}
	if err := q.docs.Insert(ctx, TasksCollection, doc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	return true, nil
}

func (q *StoreQueue) DequeueBatch(ctx context.Context, n int) ([]Task, error) {
	docs, err := q.docs.Query(ctx, TasksCollection, nil, store.QueryOptions{
		Sort:  []store.Sort{{Path: "timestamp"}},
		Limit: n,
	})
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	tasks := make([]Task, 0, len(docs))
	for _, doc := range docs {
		var task Task
		if err := store.Decode(doc, &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *StoreQueue) Ack(ctx context.Context, id string) error {
	if _, err := q.docs.Delete(ctx, TasksCollection, store.Filter{store.Eq("id", id)}); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *StoreQueue) Pending(ctx context.Context) (int, error) {
	docs, err := q.docs.Query(ctx, TasksCollection, nil, store.QueryOptions{})
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return len(docs), nil
}
