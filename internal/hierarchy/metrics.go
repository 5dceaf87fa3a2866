// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for permission resolution and hierarchy checks.
var (
	// recalculateDuration tracks the latency of member permission
	// recalculation, including the sink push for online members.
	recalculateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rolecraft_recalculate_duration_seconds",
		Help:    "Histogram of member permission recalculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// recalculations counts recalculations by member session state.
	recalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolecraft_recalculations_total",
		Help: "Total number of member permission recalculations",
	}, []string{"state"})

	// hierarchyChecks counts hierarchy comparisons by scope and outcome.
	hierarchyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolecraft_hierarchy_checks_total",
		Help: "Total number of hierarchy comparisons",
	}, []string{"scoped", "outcome"})

	// roleMutations counts role set mutations by operation.
	roleMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolecraft_role_mutations_total",
		Help: "Total number of role set mutations",
	}, []string{"op"})

	// sweptPermissions counts permission entries stripped by the
	// stale-permission sweep.
	sweptPermissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rolecraft_swept_permissions_total",
		Help: "Total number of stale permission entries removed by sweeps",
	})

	// offlineCacheHits counts offline member cache hits and misses.
	offlineCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rolecraft_offline_cache_lookups_total",
		Help: "Total number of offline member cache lookups",
	}, []string{"result"})
)

func observeRecalculate(start time.Time, online bool) {
	recalculateDuration.Observe(time.Since(start).Seconds())
	state := "offline"
	if online {
		state = "online"
	}
	recalculations.WithLabelValues(state).Inc()
}

func observeHierarchyCheck(scoped, allowed bool) {
	s, o := "unscoped", "denied"
	if scoped {
		s = "scoped"
	}
	if allowed {
		o = "allowed"
	}
	hierarchyChecks.WithLabelValues(s, o).Inc()
}
