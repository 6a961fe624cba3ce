package domain

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"taskboard/rank"
)

// Rebalancer respreads the order keys of a partition under a fresh bucket.
// Concurrent calls for one partition in this process share a single run and
// runs across processes are serialised by the locker.
type Rebalancer struct {
	store  TaskStore
	locker PartitionLocker
	log    *log.Logger
	flight singleflight.Group
}

func NewRebalancer(store TaskStore, locker PartitionLocker, logger *log.Logger) *Rebalancer {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Rebalancer{store: store, locker: locker, log: logger}
}

// Rebalance rewrites every key of the partition and returns the number of
// tasks rewritten.
func (r *Rebalancer) Rebalance(ctx context.Context, p Partition) (int, error) {
	v, err, _ := r.flight.Do(p.String(), func() (any, error) {
		unlock, err := r.locker.Lock(ctx, "rebalance:"+p.String())
		if err != nil {
			return 0, err
		}
		defer unlock()
		return r.rebalance(ctx, p)
	})
	n, _ := v.(int)
	if err != nil {
		rebalanceTotal.WithLabelValues("error").Inc()
		r.log.WithFields(log.Fields{"board": p.BoardID, "status": p.Status}).WithError(err).Warn("rebalance failed")
		return n, err
	}
	return n, nil
}

func (r *Rebalancer) rebalance(ctx context.Context, p Partition) (int, error) {
	tasks, err := r.store.ListPartition(ctx, p.BoardID, p.Status)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	SortByOrder(tasks)

	bucket := rank.DefaultBucket
	for _, t := range tasks {
		if b := rank.BucketOf(t.Order); b > bucket {
			bucket = b
		}
	}
	keys, err := rank.Spread(bucket+1, len(tasks))
	if err != nil {
		return 0, fmt.Errorf("rebalance %s: %w", p, err)
	}
	changes := make([]OrderChange, len(tasks))
	for i, t := range tasks {
		changes[i] = OrderChange{Task: t, Order: keys[i]}
	}
	if err := r.store.ApplyOrder(ctx, changes); err != nil {
		return 0, fmt.Errorf("rebalance %s: %w", p, err)
	}

	rebalanceTotal.WithLabelValues("ok").Inc()
	rebalanceSize.Observe(float64(len(tasks)))
	r.log.WithFields(log.Fields{
		"board":  p.BoardID,
		"status": p.Status,
		"tasks":  len(tasks),
		"bucket": bucket + 1,
	}).Info("partition rebalanced")
	return len(tasks), nil
}

// SortByOrder sorts tasks by order key, breaking ties by id.
func SortByOrder(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if c := rank.Compare(tasks[i].Order, tasks[j].Order); c != 0 {
			return c < 0
		}
		return tasks[i].ID < tasks[j].ID
	})
}
