package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/config"
)

// DefaultPriority is assigned to groups whose instance type carries no
// entry in the priority multimap. High enough that any configured type
// wins.
const DefaultPriority = 100

// collectParallelism bounds concurrent region collection.
const collectParallelism = 4

// Collector reads compute-group inventory and cluster state into a
// Snapshot. It performs read-only API calls only.
type Collector struct {
	cloud        cloud.ASGClient
	k8s          kubernetes.Interface
	logger       *slog.Logger
	podNamespace string
	scaleLabel   string
	priorities   config.Multimap
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Cloud        cloud.ASGClient
	K8s          kubernetes.Interface
	Logger       *slog.Logger
	PodNamespace string
	ScaleLabel   string
	Priorities   config.Multimap
}

// NewCollector creates a Collector.
func NewCollector(cfg CollectorConfig) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cloud:        cfg.Cloud,
		k8s:          cfg.K8s,
		logger:       logger,
		podNamespace: cfg.PodNamespace,
		scaleLabel:   cfg.ScaleLabel,
		priorities:   cfg.Priorities,
	}
}

// Collect produces the snapshot for one reconciliation cycle.
//
// Regions are collected with bounded parallelism since they are
// independent fault domains. A region-level failure is recorded on the
// snapshot and that region contributes nothing; only a cluster API
// failure aborts the whole collection, because without scheduling state
// no decision can be made safely.
func (c *Collector) Collect(ctx context.Context, regions []string) (*Snapshot, error) {
	snap := &Snapshot{
		Time:          time.Now(),
		FailedRegions: make(map[string]*CollectionError),
		scaleLabel:    c.scaleLabel,
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, collectParallelism)
	)
	for _, region := range regions {
		wg.Add(1)
		sem <- struct{}{}
		go func(region string) {
			defer wg.Done()
			defer func() { <-sem }()

			groups, err := c.collectRegion(ctx, region)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cerr := &CollectionError{Region: region, Err: err}
				snap.FailedRegions[region] = cerr
				c.logger.Warn("region collection failed, skipping this cycle",
					"region", region,
					"error", err,
				)
				return
			}
			snap.Groups = append(snap.Groups, groups...)
		}(region)
	}
	wg.Wait()

	nodes, err := c.k8s.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	snap.Nodes = nodes.Items

	pods, err := c.k8s.CoreV1().Pods(c.podNamespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	snap.Pods = pods.Items

	sortGroups(snap.Groups)
	snap.buildIndexes()

	c.logger.Debug("snapshot collected",
		"groups", len(snap.Groups),
		"nodes", len(snap.Nodes),
		"pods", len(snap.Pods),
		"failed_regions", len(snap.FailedRegions),
	)
	return snap, nil
}

// collectRegion lists one region's groups and resolves member instances.
func (c *Collector) collectRegion(ctx context.Context, region string) ([]ComputeGroup, error) {
	raw, err := c.cloud.ListGroups(ctx, region)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, g := range raw {
		ids = append(ids, g.InstanceIDs...)
	}
	instances, err := c.cloud.DescribeInstances(ctx, region, ids)
	if err != nil {
		return nil, err
	}

	groups := make([]ComputeGroup, 0, len(raw))
	for _, g := range raw {
		cg := ComputeGroup{
			Name:        g.Name,
			Region:      g.Region,
			Desired:     g.Desired,
			Min:         g.Min,
			Max:         g.Max,
			InstanceIDs: g.InstanceIDs,
		}

		// Instance type and last scale-up come from live member state;
		// the newest launch anchors the grace period.
		typeCounts := make(map[string]int)
		for _, id := range g.InstanceIDs {
			inst, ok := instances[id]
			if !ok {
				continue
			}
			typeCounts[inst.Type]++
			if inst.LaunchTime.After(cg.LastScaleUp) {
				cg.LastScaleUp = inst.LaunchTime
			}
		}
		best := 0
		for t, n := range typeCounts {
			if n > best {
				best = n
				cg.InstanceType = t
			}
		}

		cg.Priority = DefaultPriority
		if p, ok := c.priorities.MinInt(cg.InstanceType); ok {
			cg.Priority = p
		}

		groups = append(groups, cg)
	}
	return groups, nil
}

// sortGroups orders groups by priority, then region, then name, so every
// consumer sees the same deterministic ordering.
func sortGroups(groups []ComputeGroup) {
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		return a.Name < b.Name
	})
}
