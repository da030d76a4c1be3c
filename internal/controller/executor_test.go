package controller

import (
	"context"
	"testing"

	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/planner"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

func executedCount(results []ScaleResult) int {
	n := 0
	for _, r := range results {
		if r.Executed {
			n++
		}
	}
	return n
}

func scaleDecision(name, region string, desired, max, delta int32) planner.Decision {
	return planner.Decision{
		Group: snapshot.ComputeGroup{
			Name:    name,
			Region:  region,
			Desired: desired,
			Max:     max,
		},
		Delta: delta,
	}
}

func TestScaleUp_AppliesDelta(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{})
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("workers", "us-west-1", 2, 5, 3),
	})

	if executedCount(results) != 1 {
		t.Errorf("executed = %d, want 1", executedCount(results))
	}
	if g := asg.GetGroup("us-west-1", "workers"); g.Desired != 5 {
		t.Errorf("desired = %d, want 5", g.Desired)
	}
}

// The desired size is re-read before the write; a concurrent change since
// the snapshot re-clamps the delta against the live max.
func TestScaleUp_ReclampsAgainstLiveState(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 4, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{})
	// Decision planned when the group still sat at 2.
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("workers", "us-west-1", 2, 5, 3),
	})

	if executedCount(results) != 1 {
		t.Errorf("executed = %d, want 1", executedCount(results))
	}
	if g := asg.GetGroup("us-west-1", "workers"); g.Desired != 5 {
		t.Errorf("desired = %d, want clamped 5", g.Desired)
	}
	if len(asg.ScaleCalls) != 1 || asg.ScaleCalls[0].Desired != 5 {
		t.Errorf("scale calls = %+v, want one call to 5", asg.ScaleCalls)
	}
}

func TestScaleUp_NoScaleSuppresses(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{NoScale: true})
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("workers", "us-west-1", 2, 5, 3),
	})

	if len(results) != 1 || results[0].Executed || !results[0].Suppressed {
		t.Errorf("results = %+v, want one suppressed outcome", results)
	}
	if len(asg.ScaleCalls) != 0 {
		t.Errorf("no-scale issued cloud calls: %+v", asg.ScaleCalls)
	}
}

func TestScaleUp_DryRunIssuesNoCalls(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{DryRun: true})
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("workers", "us-west-1", 2, 5, 3),
	})

	if len(results) != 1 || results[0].Executed || !results[0].Suppressed {
		t.Errorf("results = %+v, want one suppressed outcome", results)
	}
	if g := asg.GetGroup("us-west-1", "workers"); g.Desired != 2 {
		t.Errorf("dry-run changed desired to %d", g.Desired)
	}
}

func TestScaleUp_FailureDoesNotStopRemaining(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 2, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{})
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("missing", "us-west-1", 1, 5, 2),
		scaleDecision("workers", "us-west-1", 2, 5, 1),
	})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// The skipped decision is neither executed nor suppressed, so callers
	// can tell it apart from a deliberate no-scale hold.
	if results[0].Executed || results[0].Suppressed {
		t.Errorf("failed decision reported as %+v", results[0])
	}
	if !results[1].Executed {
		t.Error("surviving decision not executed")
	}
	if g := asg.GetGroup("us-west-1", "workers"); g.Desired != 3 {
		t.Errorf("desired = %d, want 3", g.Desired)
	}
}

// A decision the live re-read makes moot is skipped, not executed.
func TestScaleUp_MootDecisionIsSkipped(t *testing.T) {
	asg := cloud.NewFakeASGClient()
	asg.AddGroup(cloud.Group{Name: "workers", Region: "us-west-1", Desired: 5, Min: 0, Max: 5})

	executor := NewExecutor(asg, nil, ExecutorConfig{})
	// Planned before the group reached its max.
	results := executor.ScaleUp(context.Background(), []planner.Decision{
		scaleDecision("workers", "us-west-1", 3, 5, 2),
	})

	if len(results) != 1 || results[0].Executed || results[0].Suppressed {
		t.Errorf("results = %+v, want one skipped outcome", results)
	}
	if len(asg.ScaleCalls) != 0 {
		t.Errorf("moot decision issued cloud calls: %+v", asg.ScaleCalls)
	}
}
