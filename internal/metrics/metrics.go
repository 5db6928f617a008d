// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxAttempts counts optimistic transaction attempts by operation.
	TxAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "tx_attempts_total",
		Help:      "Optimistic cache transaction attempts.",
	}, []string{"op"})

	// TxConflicts counts attempts rejected because a watched key changed.
	TxConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "tx_conflicts_total",
		Help:      "Cache transactions aborted by a concurrent writer.",
	}, []string{"op"})

	// TxExhausted counts transactions that ran out of retries.
	TxExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "tx_exhausted_total",
		Help:      "Cache transactions that exhausted their retries.",
	}, []string{"op"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matchmaker",
		Name:      "queue_tick_duration_seconds",
		Help:      "Duration of one queue tick.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "queue_tick_item_errors_total",
		Help:      "Per-item failures isolated during a queue tick.",
	}, []string{"stage"})

	TeamsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "teams_created_total",
		Help:      "Teams built by the queue tick.",
	})

	PreMatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "pre_matches_created_total",
		Help:      "Pre-matches created from two ready teams.",
	})

	// PreMatchesClosed counts pre-match teardowns by outcome
	// (match, cancelled, idle, unavailable).
	PreMatchesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "pre_matches_closed_total",
		Help:      "Pre-matches torn down, by outcome.",
	}, []string{"outcome"})

	Dodges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaker",
		Name:      "dodges_total",
		Help:      "Dodge penalties charged.",
	})
)
