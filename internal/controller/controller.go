package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softcane/fleet-autoscaler/internal/analyzer"
	"github.com/softcane/fleet-autoscaler/internal/metrics"
	"github.com/softcane/fleet-autoscaler/internal/notify"
	"github.com/softcane/fleet-autoscaler/internal/planner"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

// PriceEstimator resolves hourly instance cost for notification text.
// Nil disables cost annotations.
type PriceEstimator interface {
	OnDemandPrice(ctx context.Context, region, instanceType string) (float64, error)
}

// Config carries the loop-level settings.
type Config struct {
	ClusterName string
	Regions     []string

	// Sleep is the base interval between cycles and the backoff seed.
	Sleep time.Duration

	// NoScale computes and reports scale-ups without executing them.
	NoScale bool

	// NoMaintenance computes and reports scale-downs without executing
	// them.
	NoMaintenance bool

	// DryRun simulates every mutating call.
	DryRun bool
}

// Controller drives reconciliation: collect a snapshot, plan scale-ups,
// analyze idleness, execute, and report. One cycle at a time; a cycle's
// drains finish before the next collection starts.
type Controller struct {
	cfg         Config
	collector   *snapshot.Collector
	planner     *planner.Planner
	analyzer    *analyzer.Analyzer
	executor    *Executor
	coordinator *Coordinator
	notifier    *notify.Notifier
	sink        *metrics.DatadogSink
	prices      PriceEstimator
	logger      *slog.Logger
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Collector   *snapshot.Collector
	Planner     *planner.Planner
	Analyzer    *analyzer.Analyzer
	Executor    *Executor
	Coordinator *Coordinator
	Notifier    *notify.Notifier
	Sink        *metrics.DatadogSink
	Prices      PriceEstimator
	Logger      *slog.Logger
}

// New creates a Controller.
func New(cfg Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		collector:   deps.Collector,
		planner:     deps.Planner,
		analyzer:    deps.Analyzer,
		executor:    deps.Executor,
		coordinator: deps.Coordinator,
		notifier:    deps.Notifier,
		sink:        deps.Sink,
		prices:      deps.Prices,
		logger:      logger,
	}
}

// RunCycle performs one reconciliation pass and reports whether any
// decision was actually executed, not merely computed. Suppressed and
// dry-run decisions never count as change, so quiet pacing backs off.
func (c *Controller) RunCycle(ctx context.Context) (bool, error) {
	start := time.Now()

	snap, err := c.collector.Collect(ctx, c.cfg.Regions)
	if err != nil {
		metrics.CycleErrors.Inc()
		c.notify(ctx, notify.Event{
			Type:    notify.EventCycleError,
			Message: fmt.Sprintf("cycle aborted: %v", err),
		})
		return false, err
	}
	for region := range snap.FailedRegions {
		metrics.RegionCollectFailures.WithLabelValues(region).Inc()
	}

	pending := 0
	for i := range snap.Pods {
		if planner.IsUnschedulable(&snap.Pods[i]) {
			pending++
		}
	}
	metrics.PendingPods.Set(float64(pending))

	decisions := c.planner.Plan(snap)
	candidates := c.analyzer.Analyze(snap)

	metrics.DecisionsComputed.WithLabelValues("up").Add(float64(len(decisions)))
	metrics.DecisionsComputed.WithLabelValues("down").Add(float64(len(candidates)))
	metrics.IdleNodes.Set(float64(len(candidates)))

	// Only decisions that were applied, or explicitly withheld, are
	// announced; a decision the executor skipped never happened.
	results := c.executor.ScaleUp(ctx, decisions)
	scaledUp := 0
	for _, r := range results {
		if r.Executed {
			scaledUp++
		}
		if r.Executed || r.Suppressed {
			c.notifyScaleUp(ctx, r)
		}
	}

	terminated := c.scaleDown(ctx, candidates)

	metrics.DecisionsExecuted.WithLabelValues("up").Add(float64(scaledUp))
	metrics.DecisionsExecuted.WithLabelValues("down").Add(float64(terminated))

	duration := time.Since(start)
	metrics.CycleDuration.Observe(duration.Seconds())
	if c.sink != nil {
		c.sink.PushCycle(ctx, c.cfg.ClusterName, metrics.CycleStats{
			PendingPods:      pending,
			IdleNodes:        len(candidates),
			ScaleUpsPlanned:  len(decisions),
			ScaleUpsExecuted: scaledUp,
			NodesTerminated:  terminated,
			Duration:         duration,
		})
	}

	changed := scaledUp > 0 || terminated > 0
	c.logger.Info("cycle complete",
		"pending_pods", pending,
		"scale_ups_planned", len(decisions),
		"scale_ups_executed", scaledUp,
		"idle_nodes", len(candidates),
		"nodes_terminated", terminated,
		"changed", changed,
		"duration", duration,
	)
	return changed, nil
}

// scaleDown drains and terminates candidates, returning how many
// instances were actually terminated. A blocked or failed drain is
// reported and skipped; the rest of the candidates still proceed.
func (c *Controller) scaleDown(ctx context.Context, candidates []analyzer.Candidate) int {
	if len(candidates) == 0 {
		return 0
	}
	if c.cfg.NoMaintenance {
		for _, cand := range candidates {
			c.logger.Info("scale-down suppressed",
				"node", cand.Node.Name,
				"group", cand.Group.Name,
				"idle_for", cand.IdleFor,
			)
		}
		return 0
	}

	terminated := 0
	for _, cand := range candidates {
		// A signal lets the in-flight drain finish but stops starting
		// new ones.
		if ctx.Err() != nil {
			c.logger.Info("shutdown requested, skipping remaining candidates",
				"remaining", len(candidates)-terminated,
			)
			break
		}

		err := c.coordinator.DrainAndTerminate(ctx, cand)
		switch {
		case err == nil:
			if !c.cfg.DryRun {
				terminated++
				c.notify(ctx, notify.Event{
					Type: notify.EventScaleDown,
					Message: fmt.Sprintf("terminated idle node %s (group %s, idle %s)",
						cand.Node.Name, cand.Group.Name, cand.IdleFor.Round(time.Second)),
				})
			}
		case isDrainBlocked(err):
			metrics.DrainBlocked.Inc()
			c.logger.Info("drain blocked", "node", cand.Node.Name, "error", err)
			c.notify(ctx, notify.Event{
				Type:    notify.EventDrainBlocked,
				Message: err.Error(),
			})
		default:
			c.logger.Warn("scale-down failed", "node", cand.Node.Name, "error", err)
			c.notify(ctx, notify.Event{
				Type:    notify.EventCycleError,
				Message: fmt.Sprintf("scale-down of node %s failed: %v", cand.Node.Name, err),
			})
		}
	}
	return terminated
}

// Run drives the outer loop until the context is cancelled. Unchanged
// cycles double the sleep up to the backoff ceiling; any executed change
// resets pacing to the base interval. The cycle in flight always
// completes before the loop observes cancellation.
func (c *Controller) Run(ctx context.Context) error {
	backoff := NewBackoff(c.cfg.Sleep)

	for {
		changed, err := c.RunCycle(ctx)
		if err != nil {
			c.logger.Error("reconciliation cycle failed", "error", err)
		}

		var sleep time.Duration
		if changed {
			backoff.Reset()
			sleep = backoff.Base
		} else {
			sleep = backoff.Next()
		}
		c.logger.Debug("sleeping until next cycle", "interval", sleep)

		select {
		case <-ctx.Done():
			c.logger.Info("shutting down")
			return nil
		case <-time.After(sleep):
		}
	}
}

func (c *Controller) notifyScaleUp(ctx context.Context, r ScaleResult) {
	d := r.Decision
	msg := fmt.Sprintf("scaling up group %s in %s by %d (priority %d)",
		d.Group.Name, d.Group.Region, d.Delta, d.Group.Priority)

	if c.prices != nil {
		price, err := c.prices.OnDemandPrice(ctx, d.Group.Region, d.Group.InstanceType)
		if err != nil {
			c.logger.Debug("price lookup failed",
				"group", d.Group.Name,
				"instance_type", d.Group.InstanceType,
				"error", err,
			)
		} else {
			msg += fmt.Sprintf(", ~$%.2f/hour added", price*float64(d.Delta))
		}
	}

	if r.Suppressed {
		msg += " (suppressed)"
	}
	c.notify(ctx, notify.Event{Type: notify.EventScaleUp, Message: msg})
}

func (c *Controller) notify(ctx context.Context, event notify.Event) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, event)
}

func isDrainBlocked(err error) bool {
	var blocked *DrainBlockedError
	return errors.As(err, &blocked)
}
