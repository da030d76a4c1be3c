package analyzer

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/config"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

const groupLabel = "autoscaler/group"

func agedNode(name, group string, age time.Duration) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Labels:            map[string]string{groupLabel: group},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-age)),
		},
	}
}

func labeledPod(name, node string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: labels},
		Spec:       corev1.PodSpec{NodeName: node},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func daemonSetPod(name, node string) *corev1.Pod {
	pod := labeledPod(name, node, nil)
	pod.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "ds"}}
	return pod
}

func collectSnapshot(t *testing.T, asg *cloud.FakeASGClient, objects ...runtime.Object) *snapshot.Snapshot {
	t.Helper()
	collector := snapshot.NewCollector(snapshot.CollectorConfig{
		Cloud:      asg,
		K8s:        fake.NewSimpleClientset(objects...),
		ScaleLabel: groupLabel,
	})
	snap, err := collector.Collect(context.Background(), []string{"us-west-1"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	return snap
}

func drainable(t *testing.T, s string) config.Multimap {
	t.Helper()
	mm, err := config.ParseMultimap(s)
	if err != nil {
		t.Fatal(err)
	}
	return mm
}

func defaultAnalyzer(t *testing.T) *Analyzer {
	return New(Config{
		Drainable:         drainable(t, "app=worker"),
		IdleThreshold:     time.Hour,
		TypeIdleThreshold: 7 * 24 * time.Hour,
		InstanceInitTime:  25 * time.Minute,
	}, nil)
}

func TestAnalyze_IdleNodeEligible(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 3, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-3 * time.Hour)},
	)

	snap := collectSnapshot(t, asg, agedNode("node-1", "workers", 2*time.Hour))

	candidates := defaultAnalyzer(t).Analyze(snap)
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if candidates[0].Node.Name != "node-1" {
		t.Errorf("candidate = %s, want node-1", candidates[0].Node.Name)
	}
	if candidates[0].IdleFor < time.Hour {
		t.Errorf("idle duration %v should exceed the threshold", candidates[0].IdleFor)
	}
}

// A node within its group's grace period is never a candidate, however
// idle it looks.
func TestAnalyze_GracePeriodExcludes(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 3, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-5 * time.Minute)},
	)

	snap := collectSnapshot(t, asg, agedNode("node-1", "workers", 2*time.Hour))

	if candidates := defaultAnalyzer(t).Analyze(snap); len(candidates) != 0 {
		t.Errorf("node in grace period proposed for scale-down: %v", candidates)
	}
}

func TestAnalyze_NonDrainablePodBlocks(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 3, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-3 * time.Hour)},
	)

	snap := collectSnapshot(t, asg,
		agedNode("node-1", "workers", 2*time.Hour),
		labeledPod("critical", "node-1", map[string]string{"app": "critical"}),
	)

	if candidates := defaultAnalyzer(t).Analyze(snap); len(candidates) != 0 {
		t.Errorf("node with non-drainable pod proposed for scale-down: %v", candidates)
	}
}

func TestAnalyze_DrainableAndDaemonSetPodsDoNotBlock(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 3, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-3 * time.Hour)},
	)

	snap := collectSnapshot(t, asg,
		agedNode("node-1", "workers", 2*time.Hour),
		labeledPod("batch", "node-1", map[string]string{"app": "worker"}),
		daemonSetPod("logging-agent", "node-1"),
	)

	candidates := defaultAnalyzer(t).Analyze(snap)
	if len(candidates) != 1 {
		t.Errorf("got %d candidates, want 1; drainable pods must not block", len(candidates))
	}
}

// With two idle nodes but only one removable before hitting min, the
// longest-idle node wins.
func TestAnalyze_RespectsGroupMinimum(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-48 * time.Hour)},
		cloud.Instance{ID: "i-2", Type: "m5.large", LaunchTime: time.Now().Add(-48 * time.Hour)},
	)

	snap := collectSnapshot(t, asg,
		agedNode("node-old", "workers", 24*time.Hour),
		agedNode("node-new", "workers", 2*time.Hour),
	)

	candidates := defaultAnalyzer(t).Analyze(snap)
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 (desired 2, min 1)", len(candidates))
	}
	if candidates[0].Node.Name != "node-old" {
		t.Errorf("candidate = %s, want the longest-idle node-old", candidates[0].Node.Name)
	}
}

func TestAnalyze_AtMinimumProposesNothing(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 1, Min: 1, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-48 * time.Hour)},
	)

	snap := collectSnapshot(t, asg, agedNode("node-1", "workers", 24*time.Hour))

	if candidates := defaultAnalyzer(t).Analyze(snap); len(candidates) != 0 {
		t.Errorf("group at minimum proposed for scale-down: %v", candidates)
	}
}

// An entire instance class idle past the type threshold is eligible even
// though each node sits below the per-node threshold.
func TestAnalyze_TypeClassConsolidation(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 0, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-3 * time.Hour)},
		cloud.Instance{ID: "i-2", Type: "m5.large", LaunchTime: time.Now().Add(-3 * time.Hour)},
	)

	an := New(Config{
		Drainable:         config.Multimap{},
		IdleThreshold:     10 * time.Hour,
		TypeIdleThreshold: time.Hour,
		InstanceInitTime:  25 * time.Minute,
	}, nil)

	snap := collectSnapshot(t, asg,
		agedNode("node-1", "workers", 2*time.Hour),
		agedNode("node-2", "workers", 2*time.Hour),
	)

	candidates := an.Analyze(snap)
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want the whole class (2)", len(candidates))
	}

	// One busy node keeps the class alive.
	snap = collectSnapshot(t, asg,
		agedNode("node-1", "workers", 2*time.Hour),
		agedNode("node-2", "workers", 2*time.Hour),
		labeledPod("critical", "node-2", map[string]string{"app": "critical"}),
	)
	if candidates := an.Analyze(snap); len(candidates) != 0 {
		t.Errorf("class with active node proposed for scale-down: %v", candidates)
	}
}

func TestAnalyze_OrdersLongestIdleFirst(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(
		cloud.Group{Name: "workers", Region: "us-west-1", Desired: 3, Min: 0, Max: 5},
		cloud.Instance{ID: "i-1", Type: "m5.large", LaunchTime: time.Now().Add(-72 * time.Hour)},
	)

	snap := collectSnapshot(t, asg,
		agedNode("node-a", "workers", 2*time.Hour),
		agedNode("node-b", "workers", 48*time.Hour),
		agedNode("node-c", "workers", 6*time.Hour),
	)

	candidates := defaultAnalyzer(t).Analyze(snap)
	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(candidates))
	}
	want := []string{"node-b", "node-c", "node-a"}
	for i, name := range want {
		if candidates[i].Node.Name != name {
			t.Errorf("candidate[%d] = %s, want %s", i, candidates[i].Node.Name, name)
		}
	}
}
