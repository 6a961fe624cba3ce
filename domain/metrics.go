package domain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rebalanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_rebalance_total",
		Help: "Partition rebalances by result",
	}, []string{"result"})

	rebalanceSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskboard_rebalance_tasks",
		Help:    "Number of tasks rewritten per rebalance",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	})

	orderRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_order_retry_total",
		Help: "Order write retries by operation and result",
	}, []string{"operation", "result"})

	transitionDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_transition_denied_total",
		Help: "Status transitions refused by the gatekeeper",
	}, []string{"reason"})
)
