// Package snapshot builds the immutable per-cycle view of compute-group
// inventory and cluster scheduling state. All planning and analysis within
// a cycle reads only this view, never live state.
package snapshot

import (
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ComputeGroup is the per-cycle record of one auto-scaling group, enriched
// with the scheduling attributes the planner and analyzer need. It is
// recreated from live cloud state every cycle.
type ComputeGroup struct {
	Name         string
	Region       string
	InstanceType string

	Desired int32
	Min     int32
	Max     int32

	// Priority orders scale-up targets; lower values are preferred.
	Priority int

	// InstanceIDs lists in-service members.
	InstanceIDs []string

	// LastScaleUp is the newest member launch time, used as the anchor for
	// the instance-init grace period.
	LastScaleUp time.Time
}

// CollectionError reports that one region's state could not be read.
// It isolates the failure: the region contributes nothing this cycle while
// other regions proceed.
type CollectionError struct {
	Region string
	Err    error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collecting region %s: %v", e.Region, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Snapshot bundles everything observed at the start of a cycle.
type Snapshot struct {
	Time   time.Time
	Groups []ComputeGroup
	Nodes  []corev1.Node
	Pods   []corev1.Pod

	// FailedRegions records regions whose collection failed this cycle.
	FailedRegions map[string]*CollectionError

	podsByNode  map[string][]corev1.Pod
	nodeGroup   map[string]int // node name -> index into Groups
	scaleLabel  string
	instanceIDs map[string]int // instance ID -> index into Groups
}

// PodsOnNode returns the pods currently assigned to a node.
func (s *Snapshot) PodsOnNode(name string) []corev1.Pod {
	return s.podsByNode[name]
}

// GroupForNode returns the compute group owning a node, or nil when the
// node cannot be associated with any group.
func (s *Snapshot) GroupForNode(node *corev1.Node) *ComputeGroup {
	if i, ok := s.nodeGroup[node.Name]; ok {
		return &s.Groups[i]
	}
	return nil
}

// NodesInGroup returns the nodes owned by a group.
func (s *Snapshot) NodesInGroup(group *ComputeGroup) []corev1.Node {
	var out []corev1.Node
	for _, node := range s.Nodes {
		if g := s.GroupForNode(&node); g != nil && g.Name == group.Name && g.Region == group.Region {
			out = append(out, node)
		}
	}
	return out
}

// buildIndexes wires the lookup maps after all fields are populated.
// A node is associated by the configured scale label first, falling back
// to matching its provider-ID instance against group membership. Group
// names are only unique within a region, so a label naming groups in
// several regions is ambiguous and resolves through the provider-ID
// match instead.
func (s *Snapshot) buildIndexes() {
	s.podsByNode = make(map[string][]corev1.Pod)
	for _, pod := range s.Pods {
		if pod.Spec.NodeName == "" {
			continue
		}
		s.podsByNode[pod.Spec.NodeName] = append(s.podsByNode[pod.Spec.NodeName], pod)
	}

	s.instanceIDs = make(map[string]int)
	groupsByName := make(map[string][]int, len(s.Groups))
	for i, g := range s.Groups {
		groupsByName[g.Name] = append(groupsByName[g.Name], i)
		for _, id := range g.InstanceIDs {
			s.instanceIDs[id] = i
		}
	}

	s.nodeGroup = make(map[string]int, len(s.Nodes))
	for _, node := range s.Nodes {
		if s.scaleLabel != "" {
			if name, ok := node.Labels[s.scaleLabel]; ok {
				if idxs := groupsByName[name]; len(idxs) == 1 {
					s.nodeGroup[node.Name] = idxs[0]
					continue
				}
			}
		}
		if id := InstanceIDFromProviderID(node.Spec.ProviderID); id != "" {
			if i, ok := s.instanceIDs[id]; ok {
				s.nodeGroup[node.Name] = i
			}
		}
	}
}

// InstanceIDFromProviderID extracts the instance ID from a node provider
// ID such as "aws:///us-west-1a/i-0123456789abcdef0".
func InstanceIDFromProviderID(providerID string) string {
	if providerID == "" {
		return ""
	}
	idx := strings.LastIndex(providerID, "/")
	if idx < 0 || idx == len(providerID)-1 {
		return ""
	}
	return providerID[idx+1:]
}
