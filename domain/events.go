package domain

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

const (
	TaskCreated            = "task-created"
	TaskMoved              = "task-moved"
	TaskUpdated            = "task-updated"
	TaskDeleted            = "task-deleted"
	TaskDependenciesEdited = "task-dependencies-changed"
	PartitionRebalanced    = "partition-rebalanced"
	BoardCreated           = "board-created"
	BoardDeleted           = "board-deleted"
)

// Event describes a change the engine committed.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
	TaskID  string `json:"taskId,omitempty"`
	// Statuses lists the lanes whose ordering the change touched.
	Statuses []Status `json:"statuses,omitempty"`
	Task     *Task    `json:"task,omitempty"`
	Time     int64    `json:"time"`
}

// EventSink receives committed events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSinks fans an event out to every sink and joins their errors.
type EventSinks []EventSink

func (s EventSinks) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing unix-nano timestamp.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
