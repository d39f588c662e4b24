// Package metrics declares the Prometheus collectors this engine exports:
// run duration, rows written per phase, and circuit-breaker trips. Grounded
// on open-sspm's per-integration metrics (metrics.SyncRunsTotal,
// metrics.ResourcesTotal in internal/sync-orchestrator.go), generalized from
// per-integration-kind labels to per-provider, per-resource labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunDuration observes how long one directory's reconciliation run took,
	// labeled by provider and outcome (success/client_error/transient).
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "idpsync",
		Name:      "run_duration_seconds",
		Help:      "Duration of one directory reconciliation run.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	// RowsWritten counts upserted rows per phase, labeled by provider and
	// resource (identities/groups/memberships).
	RowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idpsync",
		Name:      "rows_written_total",
		Help:      "Rows upserted by the reconciliation engine.",
	}, []string{"provider", "resource"})

	// RowsDeleted counts tombstoned rows per phase.
	RowsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idpsync",
		Name:      "rows_deleted_total",
		Help:      "Rows tombstoned by the reconciliation engine.",
	}, []string{"provider", "resource"})

	// CircuitBreakerTrips counts DeletionThresholdExceeded occurrences.
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idpsync",
		Name:      "circuit_breaker_trips_total",
		Help:      "Times the deletion circuit breaker stopped a run before committing deletes.",
	}, []string{"provider", "resource"})

	// DirectoriesDisabled counts directory state transitions into any
	// disabled_* state.
	DirectoriesDisabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idpsync",
		Name:      "directories_disabled_total",
		Help:      "Directories transitioned into a disabled state.",
	}, []string{"provider", "reason"})
)

// Register adds every collector in this package to reg.
func Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{RunDuration, RowsWritten, RowsDeleted, CircuitBreakerTrips, DirectoriesDisabled} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
