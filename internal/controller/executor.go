package controller

import (
	"context"
	"log/slog"

	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/planner"
)

// ExecutorConfig configures decision execution.
type ExecutorConfig struct {
	// NoScale computes and logs scale-up decisions without executing them.
	NoScale bool

	// DryRun logs the mutating call instead of issuing it.
	DryRun bool
}

// Executor applies scale-up decisions to the cloud API.
type Executor struct {
	cloud  cloud.ASGClient
	logger *slog.Logger
	cfg    ExecutorConfig
}

// NewExecutor creates an Executor.
func NewExecutor(asg cloud.ASGClient, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cloud: asg, logger: logger, cfg: cfg}
}

// ScaleResult records what became of one planned scale-up. A decision
// the executor skipped, because the re-read failed, the live state made
// it moot, or the write errored, is neither executed nor suppressed.
type ScaleResult struct {
	Decision planner.Decision

	// Executed is true when the capacity change was written.
	Executed bool

	// Suppressed is true when no-scale or dry-run withheld the write.
	Suppressed bool
}

// ScaleUp executes the planner's decisions and reports each one's
// outcome. A failure on one group is logged and does not stop the
// remaining decisions.
//
// The group's desired size is re-read immediately before the write: no
// lock is held across a cycle, so this narrows the lost-update window
// against concurrent mutators, and the delta is re-clamped against the
// live max.
func (e *Executor) ScaleUp(ctx context.Context, decisions []planner.Decision) []ScaleResult {
	results := make([]ScaleResult, 0, len(decisions))
	for _, d := range decisions {
		group := d.Group

		if e.cfg.NoScale {
			e.logger.Info("scale-up suppressed",
				"group", group.Name,
				"region", group.Region,
				"delta", d.Delta,
			)
			results = append(results, ScaleResult{Decision: d, Suppressed: true})
			continue
		}

		live, err := e.cloud.DescribeGroup(ctx, group.Region, group.Name)
		if err != nil {
			e.logger.Warn("failed to re-read group before scale-up",
				"group", group.Name,
				"region", group.Region,
				"error", err,
			)
			results = append(results, ScaleResult{Decision: d})
			continue
		}

		desired := live.Desired + d.Delta
		if desired > live.Max {
			desired = live.Max
		}
		if desired <= live.Desired {
			e.logger.Info("scale-up no longer needed",
				"group", group.Name,
				"region", group.Region,
				"desired", live.Desired,
			)
			results = append(results, ScaleResult{Decision: d})
			continue
		}

		if e.cfg.DryRun {
			e.logger.Info("dry-run: would scale up group",
				"group", group.Name,
				"region", group.Region,
				"from", live.Desired,
				"to", desired,
			)
			results = append(results, ScaleResult{Decision: d, Suppressed: true})
			continue
		}

		if err := e.cloud.SetDesiredCapacity(ctx, group.Region, group.Name, desired); err != nil {
			e.logger.Warn("failed to scale up group",
				"group", group.Name,
				"region", group.Region,
				"desired", desired,
				"error", err,
			)
			results = append(results, ScaleResult{Decision: d})
			continue
		}
		results = append(results, ScaleResult{Decision: d, Executed: true})
	}
	return results
}
