// Package controller drives the reconciliation cycle: executing planned
// scale-ups, draining and terminating idle nodes, and pacing the outer
// loop with backoff.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/fleet-autoscaler/internal/analyzer"
	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

const (
	defaultDrainTimeout      = 10 * time.Minute
	defaultDrainPollInterval = 5 * time.Second
)

// CoordinatorConfig configures the drain coordinator.
type CoordinatorConfig struct {
	// GracePeriodSeconds is the pod termination grace period passed to
	// each eviction.
	GracePeriodSeconds int64

	// DrainTimeout bounds how long to wait for evicted pods to leave the
	// node before the drain is abandoned. Zero selects the default.
	DrainTimeout time.Duration

	// DryRun logs and simulates every step without mutating anything.
	DryRun bool
}

// Coordinator drains a node and terminates its backing instance.
// Eviction goes through the Eviction API so PodDisruptionBudgets are
// respected.
type Coordinator struct {
	client   kubernetes.Interface
	cloud    cloud.ASGClient
	analyzer *analyzer.Analyzer
	logger   *slog.Logger
	cfg      CoordinatorConfig

	pollInterval time.Duration
}

// NewCoordinator creates a Coordinator. The analyzer supplies the
// drainable-pod policy so drain-time checks agree with idle analysis.
func NewCoordinator(client kubernetes.Interface, asg cloud.ASGClient, an *analyzer.Analyzer, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Coordinator{
		client:       client,
		cloud:        asg,
		analyzer:     an,
		logger:       logger,
		cfg:          cfg,
		pollInterval: defaultDrainPollInterval,
	}
}

// DrainAndTerminate cordons the node, re-checks occupancy, evicts
// drainable pods, waits for them to leave the node, and terminates the
// instance, decrementing the group's desired size through the cloud
// API's native decrement. Eviction acceptance only starts graceful pod
// deletion, so the instance is not touched until the node is empty or
// the drain timeout expires.
//
// The idle check that nominated the node is point-in-time; a
// non-drainable pod that landed since aborts with DrainBlockedError and
// the node is uncordoned, leaving the cycle's state unchanged.
func (c *Coordinator) DrainAndTerminate(ctx context.Context, candidate analyzer.Candidate) error {
	node := candidate.Node
	group := candidate.Group

	c.logger.Info("starting drain",
		"node", node.Name,
		"group", group.Name,
		"region", group.Region,
		"idle_for", candidate.IdleFor,
		"dry_run", c.cfg.DryRun,
	)

	if err := c.cordon(ctx, node.Name); err != nil {
		return fmt.Errorf("failed to cordon node %s: %w", node.Name, err)
	}

	pods, err := c.podsOnNode(ctx, node.Name)
	if err != nil {
		return fmt.Errorf("failed to list pods on node %s: %w", node.Name, err)
	}

	for _, pod := range pods {
		if !c.analyzer.IsDrainable(&pod) {
			if uncordonErr := c.uncordon(ctx, node.Name); uncordonErr != nil {
				c.logger.Warn("failed to uncordon blocked node",
					"node", node.Name,
					"error", uncordonErr,
				)
			}
			return &DrainBlockedError{Node: node.Name, Pod: pod.Namespace + "/" + pod.Name}
		}
	}

	evicted := 0
	for _, pod := range pods {
		if isDaemonSetPod(&pod) || isMirrorPod(&pod) {
			continue
		}
		if err := c.evict(ctx, &pod); err != nil {
			return fmt.Errorf("failed to evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		evicted++
	}

	if evicted > 0 && !c.cfg.DryRun {
		if err := c.waitForDrain(ctx, node.Name); err != nil {
			return fmt.Errorf("drain of node %s did not complete: %w", node.Name, err)
		}
	}

	instanceID := snapshot.InstanceIDFromProviderID(node.Spec.ProviderID)
	if instanceID == "" {
		return &TerminationError{
			Node: node.Name,
			Err:  fmt.Errorf("no instance ID in provider ID %q", node.Spec.ProviderID),
		}
	}

	if c.cfg.DryRun {
		c.logger.Info("dry-run: would terminate instance",
			"node", node.Name,
			"instance", instanceID,
			"region", group.Region,
			"pods_evicted", evicted,
		)
		return nil
	}

	if err := c.cloud.TerminateInstance(ctx, group.Region, instanceID, true); err != nil {
		return &TerminationError{Node: node.Name, Instance: instanceID, Err: err}
	}

	c.logger.Info("node drained and terminated",
		"node", node.Name,
		"instance", instanceID,
		"group", group.Name,
		"pods_evicted", evicted,
	)
	return nil
}

func (c *Coordinator) cordon(ctx context.Context, nodeName string) error {
	if c.cfg.DryRun {
		c.logger.Info("dry-run: would cordon node", "node", nodeName)
		return nil
	}

	node, err := c.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if node.Spec.Unschedulable {
		return nil
	}
	node.Spec.Unschedulable = true
	_, err = c.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	return err
}

func (c *Coordinator) uncordon(ctx context.Context, nodeName string) error {
	if c.cfg.DryRun {
		return nil
	}

	node, err := c.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if !node.Spec.Unschedulable {
		return nil
	}
	node.Spec.Unschedulable = false
	_, err = c.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	return err
}

// waitForDrain polls until every evicted pod has left the node or the
// drain timeout expires. DaemonSet, mirror and terminal pods do not
// count as occupancy.
func (c *Coordinator) waitForDrain(ctx context.Context, nodeName string) error {
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	for {
		pods, err := c.podsOnNode(ctx, nodeName)
		if err != nil {
			return err
		}

		remaining := 0
		for i := range pods {
			pod := &pods[i]
			if isDaemonSetPod(pod) || isMirrorPod(pod) {
				continue
			}
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				continue
			}
			remaining++
		}
		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d pod(s) still on node after %s", remaining, c.cfg.DrainTimeout)
		}

		c.logger.Debug("waiting for pods to leave node",
			"node", nodeName,
			"remaining", remaining,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// podsOnNode lists the node's pods live rather than from the snapshot,
// since occupancy may have changed since collection.
func (c *Coordinator) podsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	podList, err := c.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}

func (c *Coordinator) evict(ctx context.Context, pod *corev1.Pod) error {
	if c.cfg.DryRun {
		c.logger.Info("dry-run: would evict pod",
			"pod", pod.Name,
			"namespace", pod.Namespace,
			"node", pod.Spec.NodeName,
		)
		return nil
	}

	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{
			GracePeriodSeconds: &c.cfg.GracePeriodSeconds,
		},
	}

	err := c.client.CoreV1().Pods(pod.Namespace).EvictV1(ctx, eviction)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		if apierrors.IsTooManyRequests(err) {
			return fmt.Errorf("PDB prevents eviction: %w", err)
		}
		return err
	}

	c.logger.Debug("evicted pod", "pod", pod.Name, "namespace", pod.Namespace)
	return nil
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return ok
}
