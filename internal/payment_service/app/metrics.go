package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initiationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "initiations_total",
			Help:      "Total number of payment initiations by method and outcome.",
		},
		[]string{"method", "outcome"}, // outcome: accepted, rejected, invalid, error
	)
	settlementsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "settlements_total",
			Help:      "Total number of gateway results written, by source and resulting status.",
		},
		[]string{"source", "status"},
	)
	pollDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payments",
			Name:      "poll_duration_seconds",
			Help:      "Time spent polling a transaction until it resolved or the budget ran out.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"outcome"},
	)
	reconciliationIssuesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "reconciliation_issues_total",
			Help:      "Integrity issues found by VerifyAndReconcile.",
		},
		[]string{"issue"},
	)
	retriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "retries_total",
			Help:      "Retry attempts by outcome.",
		},
		[]string{"outcome"},
	)
	abandonedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "stale_transactions_abandoned_total",
			Help:      "Pending transactions moved to abandoned by the cleanup routine.",
		},
	)
)
