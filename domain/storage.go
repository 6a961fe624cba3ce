package domain

import (
	"context"
	"fmt"
	"sync"
)

// TaskStore persists tasks and boards. Lookups return nil, nil when the
// entity does not exist.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListPartition returns the tasks of one lane sorted by order.
	ListPartition(ctx context.Context, boardID string, status Status) ([]Task, error)
	ListBoardTasks(ctx context.Context, boardID string) ([]Task, error)
	// FindDependents returns the tasks of the board whose dependencies
	// include taskID.
	FindDependents(ctx context.Context, boardID, taskID string) ([]Task, error)

	// InsertTask fails with ErrOrderConflict when the task's order key is
	// already used in its partition.
	InsertTask(ctx context.Context, t Task) (Task, error)
	// UpdateTask replaces the task if it is still at etag. It fails with
	// ErrConcurrencyConflict on a stale etag and ErrOrderConflict when the
	// new (status, order) pair is taken.
	UpdateTask(ctx context.Context, t Task, etag string) (Task, error)
	// ApplyOrder rewrites the order keys of a set of tasks all or nothing.
	ApplyOrder(ctx context.Context, changes []OrderChange) error
	DeleteTask(ctx context.Context, t Task) error

	// CreateBoard fails with ErrBoardKeyTaken when the key is in use.
	CreateBoard(ctx context.Context, b Board) (Board, error)
	GetBoard(ctx context.Context, id string) (*Board, error)
	ListBoards(ctx context.Context) ([]Board, error)
	// DeleteBoard removes the board and frees its key. Tasks are removed
	// separately.
	DeleteBoard(ctx context.Context, b Board) error
	// NextDisplayNumber atomically increments and returns the board counter.
	// It fails with ErrNotFound when the board does not exist.
	NextDisplayNumber(ctx context.Context, boardID string) (int, error)
}

// OrderChange assigns a new order key to a task read at Task.ETag.
type OrderChange struct {
	Task  Task
	Order string
}

// PartitionLocker serialises rebalances of one partition across processes.
type PartitionLocker interface {
	// Lock blocks until the partition is held or ctx ends.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type localLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker returns a PartitionLocker that only serialises callers in
// this process.
func NewLocalLocker() PartitionLocker {
	return &localLocker{slots: map[string]chan struct{}{}}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrPartitionLocked, key, ctx.Err())
	}
}
