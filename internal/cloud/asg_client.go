// Package cloud abstracts the compute-provider operations the autoscaler
// consumes: listing auto-scaling groups per region, resizing a group, and
// terminating a named instance.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Group describes one auto-scaling group as observed in the cloud API.
// Groups are recreated from live state every cycle, never cached.
type Group struct {
	// Name is the group name, unique within a region.
	Name string

	// Region is the fault-isolation domain the group lives in.
	Region string

	// Desired, Min and Max are the group's size settings.
	Desired int32
	Min     int32
	Max     int32

	// InstanceIDs lists the group's in-service member instances.
	InstanceIDs []string
}

// Instance describes one running member of a group.
type Instance struct {
	ID         string
	Type       string
	LaunchTime time.Time
}

// ASGClient abstracts auto-scaling group operations per region.
// The interface enables testing the reconciliation loop with a fake.
type ASGClient interface {
	// ListGroups returns the groups owned by the managed cluster in a region.
	ListGroups(ctx context.Context, region string) ([]Group, error)

	// DescribeGroup re-reads a single group's live state. Callers use this
	// immediately before mutating desired capacity to guard against lost
	// updates, since no lock is held across a cycle.
	DescribeGroup(ctx context.Context, region, name string) (*Group, error)

	// DescribeInstances resolves member instance IDs to type and launch time.
	DescribeInstances(ctx context.Context, region string, ids []string) (map[string]Instance, error)

	// SetDesiredCapacity updates a group's desired size.
	SetDesiredCapacity(ctx context.Context, region, name string, desired int32) error

	// TerminateInstance terminates a named instance and, when
	// decrementDesired is set, shrinks its group's desired size by one.
	TerminateInstance(ctx context.Context, region, instanceID string, decrementDesired bool) error
}

// FakeASGClient implements ASGClient in memory for tests.
// It records mutating calls for assertions and can inject per-region
// failures to exercise collection-error isolation.
type FakeASGClient struct {
	mu        sync.Mutex
	groups    map[string]map[string]*Group   // region -> name -> group
	instances map[string]map[string]Instance // region -> id -> instance

	// FailRegions makes ListGroups fail for the named regions.
	FailRegions map[string]error

	// ScaleCalls tracks SetDesiredCapacity calls for assertions.
	ScaleCalls []FakeScaleCall
	// TerminateCalls tracks TerminateInstance calls for assertions.
	TerminateCalls []FakeTerminateCall
}

// FakeScaleCall records one SetDesiredCapacity invocation.
type FakeScaleCall struct {
	Region  string
	Group   string
	Desired int32
}

// FakeTerminateCall records one TerminateInstance invocation.
type FakeTerminateCall struct {
	Region     string
	InstanceID string
	Decrement  bool
}

// NewFakeASGClient creates an empty fake client.
func NewFakeASGClient() *FakeASGClient {
	return &FakeASGClient{
		groups:      make(map[string]map[string]*Group),
		instances:   make(map[string]map[string]Instance),
		FailRegions: make(map[string]error),
	}
}

// AddGroup registers a group and its member instances in a region.
func (f *FakeASGClient) AddGroup(g Group, members ...Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.groups[g.Region] == nil {
		f.groups[g.Region] = make(map[string]*Group)
	}
	if f.instances[g.Region] == nil {
		f.instances[g.Region] = make(map[string]Instance)
	}

	for _, inst := range members {
		g.InstanceIDs = append(g.InstanceIDs, inst.ID)
		f.instances[g.Region][inst.ID] = inst
	}
	copied := g
	f.groups[g.Region][g.Name] = &copied
}

func (f *FakeASGClient) ListGroups(ctx context.Context, region string) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.FailRegions[region]; ok {
		return nil, err
	}

	var out []Group
	for _, g := range f.groups[region] {
		out = append(out, *g)
	}
	return out, nil
}

func (f *FakeASGClient) DescribeGroup(ctx context.Context, region, name string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[region][name]
	if !ok {
		return nil, fmt.Errorf("group %q not found in region %q", name, region)
	}
	copied := *g
	return &copied, nil
}

func (f *FakeASGClient) DescribeInstances(ctx context.Context, region string, ids []string) (map[string]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]Instance, len(ids))
	for _, id := range ids {
		if inst, ok := f.instances[region][id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

func (f *FakeASGClient) SetDesiredCapacity(ctx context.Context, region, name string, desired int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[region][name]
	if !ok {
		return fmt.Errorf("group %q not found in region %q", name, region)
	}
	if desired > g.Max {
		return fmt.Errorf("desired %d exceeds max %d for group %q", desired, g.Max, name)
	}
	if desired < g.Min {
		return fmt.Errorf("desired %d below min %d for group %q", desired, g.Min, name)
	}

	g.Desired = desired
	f.ScaleCalls = append(f.ScaleCalls, FakeScaleCall{Region: region, Group: name, Desired: desired})
	return nil
}

func (f *FakeASGClient) TerminateInstance(ctx context.Context, region, instanceID string, decrementDesired bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, g := range f.groups[region] {
		for i, id := range g.InstanceIDs {
			if id != instanceID {
				continue
			}
			g.InstanceIDs = append(g.InstanceIDs[:i], g.InstanceIDs[i+1:]...)
			if decrementDesired && g.Desired > 0 {
				g.Desired--
			}
			delete(f.instances[region], instanceID)
			f.TerminateCalls = append(f.TerminateCalls, FakeTerminateCall{
				Region:     region,
				InstanceID: instanceID,
				Decrement:  decrementDesired,
			})
			return nil
		}
	}
	return fmt.Errorf("instance %q not found in region %q", instanceID, region)
}

// GetGroup returns the current state of a group (for test assertions).
func (f *FakeASGClient) GetGroup(region, name string) *Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[region][name]; ok {
		copied := *g
		return &copied
	}
	return nil
}

// Compile-time interface check.
var _ ASGClient = (*FakeASGClient)(nil)
