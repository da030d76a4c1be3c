// Package planner computes per-group scale-up deltas needed to satisfy
// unschedulable workload demand.
package planner

import (
	"log/slog"

	corev1 "k8s.io/api/core/v1"

	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

// Decision is one scale-up instruction: add Delta instances to Group.
// Decisions are ephemeral, per-cycle values; a planner never decreases a
// group's size.
type Decision struct {
	Group snapshot.ComputeGroup
	Delta int32
}

// Planner turns unmet scheduling demand into ordered scale-up decisions.
type Planner struct {
	logger        *slog.Logger
	overProvision int
}

// New creates a Planner. overProvision extra instances are added as a
// buffer on every scale-up that satisfies demand.
func New(logger *slog.Logger, overProvision int) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger, overProvision: overProvision}
}

// capacity tracks schedulable headroom in CPU millicores and memory bytes.
type capacity struct {
	cpuMilli int64
	memBytes int64
}

func (c *capacity) fits(req capacity) bool {
	return req.cpuMilli <= c.cpuMilli && req.memBytes <= c.memBytes
}

func (c *capacity) take(req capacity) {
	c.cpuMilli -= req.cpuMilli
	c.memBytes -= req.memBytes
}

// Plan returns the ordered scale-up decisions for one snapshot.
//
// Pending pods that fit no existing node's free capacity form the unmet
// demand. Groups absorb demand in snapshot order (priority ascending,
// ties broken by region then name), each adding the over-provision buffer
// and clamping to its max bound. No demand, no decisions.
func (p *Planner) Plan(snap *snapshot.Snapshot) []Decision {
	unmet := p.unschedulable(snap)
	if len(unmet) == 0 {
		return nil
	}

	p.logger.Info("found unschedulable demand", "pending_pods", len(unmet))

	var decisions []Decision
	for _, group := range snap.Groups {
		if len(unmet) == 0 {
			break
		}

		headroom := group.Max - group.Desired
		if headroom <= 0 {
			continue
		}

		perInstance := p.instanceCapacity(snap, &group)
		needed, remaining := packIntoInstances(unmet, perInstance, headroom)
		if needed == 0 {
			continue
		}

		delta := needed + int32(p.overProvision)
		if delta > headroom {
			delta = headroom
		}

		p.logger.Info("planned scale-up",
			"group", group.Name,
			"region", group.Region,
			"priority", group.Priority,
			"needed", needed,
			"over_provision", p.overProvision,
			"delta", delta,
		)

		decisions = append(decisions, Decision{Group: group, Delta: delta})
		unmet = remaining
	}

	if len(unmet) > 0 {
		p.logger.Warn("demand exceeds remaining group headroom",
			"unsatisfied_pods", len(unmet),
		)
	}
	return decisions
}

// unschedulable returns the pending pods that fit no existing node.
func (p *Planner) unschedulable(snap *snapshot.Snapshot) []capacity {
	free := p.freeCapacity(snap)

	var unmet []capacity
	for _, pod := range snap.Pods {
		if !IsUnschedulable(&pod) {
			continue
		}
		req := podRequests(&pod)

		placed := false
		for i := range free {
			if free[i].fits(req) {
				free[i].take(req)
				placed = true
				break
			}
		}
		if !placed {
			unmet = append(unmet, req)
		}
	}
	return unmet
}

// freeCapacity computes each node's allocatable minus the requests of its
// assigned, non-terminal pods.
func (p *Planner) freeCapacity(snap *snapshot.Snapshot) []capacity {
	free := make([]capacity, 0, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if node.Spec.Unschedulable {
			continue
		}
		c := allocatable(&node)
		for _, pod := range snap.PodsOnNode(node.Name) {
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				continue
			}
			c.take(podRequests(&pod))
		}
		free = append(free, c)
	}
	return free
}

// instanceCapacity estimates the allocatable capacity of one new instance
// of the group's type, using an existing member node as the reference.
// A group with no visible nodes yields zero capacity, which packs one pod
// per instance as the conservative fallback.
func (p *Planner) instanceCapacity(snap *snapshot.Snapshot, group *snapshot.ComputeGroup) capacity {
	nodes := snap.NodesInGroup(group)
	if len(nodes) == 0 {
		return capacity{}
	}
	return allocatable(&nodes[0])
}

// packIntoInstances first-fits pods into virtual instances of the given
// capacity, bounded by the group's headroom. It returns the instance
// count used and the pods left over for lower-priority groups.
func packIntoInstances(pods []capacity, perInstance capacity, headroom int32) (int32, []capacity) {
	var (
		used      int32
		instances []capacity
		remaining []capacity
	)

	for _, req := range pods {
		placed := false
		for i := range instances {
			if instances[i].fits(req) {
				instances[i].take(req)
				placed = true
				break
			}
		}
		if placed {
			continue
		}

		// Open a new instance if headroom remains and the pod could ever
		// fit one. Zero capacity means size is unknown; assume one pod
		// per instance.
		unknownSize := perInstance.cpuMilli == 0 && perInstance.memBytes == 0
		if used < headroom && (unknownSize || perInstance.fits(req)) {
			used++
			if unknownSize {
				instances = append(instances, capacity{})
				continue
			}
			fresh := perInstance
			fresh.take(req)
			instances = append(instances, fresh)
			continue
		}

		remaining = append(remaining, req)
	}
	return used, remaining
}

// IsUnschedulable reports whether the scheduler has declared the pod
// pending with nowhere to go.
func IsUnschedulable(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodPending || pod.Spec.NodeName != "" {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == corev1.PodReasonUnschedulable {
			return true
		}
	}
	return false
}

func podRequests(pod *corev1.Pod) capacity {
	var c capacity
	for _, container := range pod.Spec.Containers {
		c.cpuMilli += container.Resources.Requests.Cpu().MilliValue()
		c.memBytes += container.Resources.Requests.Memory().Value()
	}
	return c
}

func allocatable(node *corev1.Node) capacity {
	return capacity{
		cpuMilli: node.Status.Allocatable.Cpu().MilliValue(),
		memBytes: node.Status.Allocatable.Memory().Value(),
	}
}
