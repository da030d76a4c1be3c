// Package metrics exposes Prometheus metrics for the autoscaler and
// optionally pushes per-cycle gauges to Datadog.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsComputed counts scaling decisions produced by a cycle,
	// before suppression flags apply.
	DecisionsComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_autoscaler",
			Name:      "decisions_computed_total",
			Help:      "Scaling decisions computed per cycle",
		},
		[]string{"direction"},
	)

	// DecisionsExecuted counts scaling decisions actually applied.
	DecisionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_autoscaler",
			Name:      "decisions_executed_total",
			Help:      "Scaling decisions executed against the cloud API",
		},
		[]string{"direction"},
	)

	// IdleNodes tracks idle nodes found in the latest cycle.
	IdleNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet_autoscaler",
			Name:      "idle_nodes",
			Help:      "Idle nodes found in the latest reconciliation cycle",
		},
	)

	// PendingPods tracks unschedulable pods seen in the latest cycle.
	PendingPods = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet_autoscaler",
			Name:      "pending_pods",
			Help:      "Unschedulable pods observed in the latest cycle",
		},
	)

	// CycleDuration tracks full reconciliation cycle time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleet_autoscaler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one complete reconciliation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// RegionCollectFailures counts regions skipped due to collection errors.
	RegionCollectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_autoscaler",
			Name:      "region_collect_failures_total",
			Help:      "Region collections that failed and were skipped",
		},
		[]string{"region"},
	)

	// DrainBlocked counts drains aborted by a non-drainable pod.
	DrainBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet_autoscaler",
			Name:      "drain_blocked_total",
			Help:      "Drains aborted because a non-drainable pod was present",
		},
	)

	// CycleErrors counts cycles that failed before execution.
	CycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet_autoscaler",
			Name:      "cycle_errors_total",
			Help:      "Reconciliation cycles aborted by an error",
		},
	)
)
