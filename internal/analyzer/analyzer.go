// Package analyzer classifies nodes by activity and selects scale-down
// candidates that respect group minimums and launch grace periods.
package analyzer

import (
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/softcane/fleet-autoscaler/internal/config"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

// Status is the activity classification of one node.
type Status int

const (
	// Warming means the node's group scaled up recently; the node is
	// excluded from idle analysis while instances initialize.
	Warming Status = iota

	// Active means the node runs at least one non-drainable pod.
	Active

	// IdleEligible means the node is idle past threshold and may be
	// drained and terminated.
	IdleEligible
)

func (s Status) String() string {
	switch s {
	case Warming:
		return "warming"
	case Active:
		return "active"
	case IdleEligible:
		return "idle-eligible"
	default:
		return "unknown"
	}
}

// Candidate is one node proposed for drain and termination.
type Candidate struct {
	Node  corev1.Node
	Group snapshot.ComputeGroup

	// IdleFor is how long the node has carried no non-drainable work.
	IdleFor time.Duration
}

// Config carries the analyzer thresholds.
type Config struct {
	// Drainable marks pod labels whose presence never blocks a drain.
	Drainable config.Multimap

	// IdleThreshold is the minimum idle duration before a node becomes
	// a candidate.
	IdleThreshold time.Duration

	// TypeIdleThreshold retires a whole group once every member has been
	// idle this long, overriding per-node pacing.
	TypeIdleThreshold time.Duration

	// InstanceInitTime is the grace window after a group's newest launch
	// during which its nodes are never candidates.
	InstanceInitTime time.Duration
}

// Analyzer finds idle nodes safe to remove.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Analyzer.
func New(cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// Analyze returns the scale-down candidates for one snapshot, longest
// idle first. Per group, at most Desired-Min nodes are proposed so no
// termination can push a group below its minimum.
func (a *Analyzer) Analyze(snap *snapshot.Snapshot) []Candidate {
	perGroup := make(map[string][]Candidate)

	for _, node := range snap.Nodes {
		group := snap.GroupForNode(&node)
		if group == nil {
			continue
		}
		if _, failed := snap.FailedRegions[group.Region]; failed {
			continue
		}

		status, idleFor := a.classify(snap, &node, group)
		a.logger.Debug("node classified",
			"node", node.Name,
			"group", group.Name,
			"status", status.String(),
			"idle_for", idleFor,
		)
		if status != IdleEligible {
			continue
		}

		key := group.Region + "/" + group.Name
		perGroup[key] = append(perGroup[key], Candidate{
			Node:    node,
			Group:   *group,
			IdleFor: idleFor,
		})
	}

	var out []Candidate
	for _, candidates := range perGroup {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].IdleFor > candidates[j].IdleFor
		})

		group := candidates[0].Group
		limit := int(group.Desired - group.Min)
		if limit < 0 {
			limit = 0
		}
		if len(candidates) > limit {
			a.logger.Info("capping scale-down to respect group minimum",
				"group", group.Name,
				"region", group.Region,
				"idle", len(candidates),
				"allowed", limit,
			)
			candidates = candidates[:limit]
		}
		out = append(out, candidates...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IdleFor != out[j].IdleFor {
			return out[i].IdleFor > out[j].IdleFor
		}
		return out[i].Node.Name < out[j].Node.Name
	})
	return out
}

// classify determines one node's activity status.
//
// The grace period is anchored to the group's newest member launch, so a
// fresh scale-up shields the whole group while replacement instances
// register and receive work.
func (a *Analyzer) classify(snap *snapshot.Snapshot, node *corev1.Node, group *snapshot.ComputeGroup) (Status, time.Duration) {
	if !group.LastScaleUp.IsZero() && snap.Time.Sub(group.LastScaleUp) < a.cfg.InstanceInitTime {
		return Warming, 0
	}

	for _, pod := range snap.PodsOnNode(node.Name) {
		if !a.IsDrainable(&pod) {
			return Active, 0
		}
	}

	// With no cross-cycle state, idle time is approximated by node age:
	// a node carrying only drainable work since creation has been idle
	// for its whole lifetime, and the init grace above covers the ramp-up
	// window where that approximation would be wrong.
	idleFor := snap.Time.Sub(node.CreationTimestamp.Time)
	if idleFor < 0 {
		idleFor = 0
	}

	if idleFor >= a.cfg.IdleThreshold {
		return IdleEligible, idleFor
	}
	// A whole instance class unused for the longer type threshold is
	// eligible for consolidation even when individual nodes sit below
	// the per-node threshold.
	if a.typeClassIdle(snap, group) {
		return IdleEligible, idleFor
	}
	return Active, idleFor
}

// typeClassIdle reports whether every node of a group has been idle for
// at least the type-idle threshold.
func (a *Analyzer) typeClassIdle(snap *snapshot.Snapshot, group *snapshot.ComputeGroup) bool {
	nodes := snap.NodesInGroup(group)
	if len(nodes) == 0 {
		return false
	}
	for _, node := range nodes {
		for _, pod := range snap.PodsOnNode(node.Name) {
			if !a.IsDrainable(&pod) {
				return false
			}
		}
		if snap.Time.Sub(node.CreationTimestamp.Time) < a.cfg.TypeIdleThreshold {
			return false
		}
	}
	return true
}

// IsDrainable reports whether a pod may be evicted during a drain.
// Daemon-set members and mirror pods never block a drain since they are
// bound to the node itself, and pods matching the configured drainable
// labels are declared safe by the operator.
func (a *Analyzer) IsDrainable(pod *corev1.Pod) bool {
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return true
	}
	if _, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]; ok {
		return true
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return a.cfg.Drainable.Matches(pod.Labels)
}
