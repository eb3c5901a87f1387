package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Items created counter
	ItemsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_items_created_total",
			Help: "Total number of items created",
		},
		[]string{"queue"},
	)

	// Creations collapsed into an existing item
	ItemsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_items_deduplicated_total",
			Help: "Total number of creations collapsed into an existing item",
		},
		[]string{"queue"},
	)

	// Priority raises on existing items
	PrioritiesRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_priorities_raised_total",
			Help: "Total number of priority raises on existing items",
		},
		[]string{"queue"},
	)

	// Items claimed counter
	ItemsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_items_claimed_total",
			Help: "Total number of items claimed",
		},
		[]string{"queue"},
	)

	// Lost claim races that forced another peek
	ClaimRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_claim_retries_total",
			Help: "Total number of lost claim races that forced another peek",
		},
		[]string{"queue"},
	)

	// Items deleted counter
	ItemsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_items_deleted_total",
			Help: "Total number of items deleted",
		},
		[]string{"queue"},
	)

	// Expired locks freed by reclamation
	LocksReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniqueue_locks_reclaimed_total",
			Help: "Total number of expired locks freed by reclamation",
		},
		[]string{"queue"},
	)

	// Reclaim run duration
	ReclaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uniqueue_reclaim_duration_seconds",
			Help:    "Time taken for a lock reclamation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reclaim errors counter
	ReclaimErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uniqueue_reclaim_errors_total",
			Help: "Total number of lock reclamation errors",
		},
	)
)
