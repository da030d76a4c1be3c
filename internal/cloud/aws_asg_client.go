package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// DefaultClusterTagKey is the ASG tag key that marks a group as owned by
// a cluster. The tag value must equal the managed cluster's name.
const DefaultClusterTagKey = "KubernetesCluster"

// AWSASGClientConfig configures the real AWS client.
type AWSASGClientConfig struct {
	// ClusterName is the managed cluster; only groups tagged with it are
	// listed.
	ClusterName string

	// ClusterTagKey is the discovery tag key. Default: DefaultClusterTagKey.
	ClusterTagKey string

	Logger *slog.Logger
}

// AWSASGClient implements ASGClient against the AWS Auto Scaling and EC2
// APIs. Per-region SDK clients are built lazily and cached, since regions
// are independent endpoints.
type AWSASGClient struct {
	cfg    AWSASGClientConfig
	logger *slog.Logger

	mu   sync.Mutex
	asg  map[string]*autoscaling.Client
	ec2c map[string]*ec2.Client
}

// NewAWSASGClient creates a client using the default AWS credential chain.
func NewAWSASGClient(cfg AWSASGClientConfig) *AWSASGClient {
	if cfg.ClusterTagKey == "" {
		cfg.ClusterTagKey = DefaultClusterTagKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSASGClient{
		cfg:    cfg,
		logger: logger,
		asg:    make(map[string]*autoscaling.Client),
		ec2c:   make(map[string]*ec2.Client),
	}
}

// VerifyCredentials resolves the default credential chain, failing fast
// when the process has no usable AWS identity.
func VerifyCredentials(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("no usable AWS credentials: %w", err)
	}
	return nil
}

func (c *AWSASGClient) clients(ctx context.Context, region string) (*autoscaling.Client, *ec2.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if asgClient, ok := c.asg[region]; ok {
		return asgClient, c.ec2c[region], nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config for region %s: %w", region, err)
	}

	asgClient := autoscaling.NewFromConfig(awsCfg)
	ec2Client := ec2.NewFromConfig(awsCfg)
	c.asg[region] = asgClient
	c.ec2c[region] = ec2Client
	return asgClient, ec2Client, nil
}

// ListGroups returns the cluster's groups in one region, following
// pagination for accounts with many ASGs.
func (c *AWSASGClient) ListGroups(ctx context.Context, region string) ([]Group, error) {
	asgClient, _, err := c.clients(ctx, region)
	if err != nil {
		return nil, err
	}

	input := &autoscaling.DescribeAutoScalingGroupsInput{
		Filters: []asgtypes.Filter{
			{
				Name:   aws.String("tag:" + c.cfg.ClusterTagKey),
				Values: []string{c.cfg.ClusterName},
			},
		},
	}

	var groups []Group
	for {
		result, err := asgClient.DescribeAutoScalingGroups(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe ASGs in %s: %w", region, err)
		}

		for _, asg := range result.AutoScalingGroups {
			if g := groupFromAWS(asg, region); g != nil {
				groups = append(groups, *g)
			}
		}

		if result.NextToken == nil {
			break
		}
		input.NextToken = result.NextToken
	}

	c.logger.Debug("listed compute groups", "region", region, "count", len(groups))
	return groups, nil
}

// DescribeGroup re-reads one group by name.
func (c *AWSASGClient) DescribeGroup(ctx context.Context, region, name string) (*Group, error) {
	asgClient, _, err := c.clients(ctx, region)
	if err != nil {
		return nil, err
	}

	result, err := asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe ASG %q in %s: %w", name, region, err)
	}
	if len(result.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("ASG %q not found in %s", name, region)
	}

	g := groupFromAWS(result.AutoScalingGroups[0], region)
	if g == nil {
		return nil, fmt.Errorf("ASG %q in %s has no name", name, region)
	}
	return g, nil
}

// DescribeInstances resolves instance IDs to type and launch time via EC2.
func (c *AWSASGClient) DescribeInstances(ctx context.Context, region string, ids []string) (map[string]Instance, error) {
	if len(ids) == 0 {
		return map[string]Instance{}, nil
	}

	_, ec2Client, err := c.clients(ctx, region)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Instance, len(ids))
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	for {
		result, err := ec2Client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances in %s: %w", region, err)
		}

		for _, res := range result.Reservations {
			for _, inst := range res.Instances {
				if inst.InstanceId == nil {
					continue
				}
				entry := Instance{
					ID:   *inst.InstanceId,
					Type: string(inst.InstanceType),
				}
				if inst.LaunchTime != nil {
					entry.LaunchTime = *inst.LaunchTime
				}
				out[entry.ID] = entry
			}
		}

		if result.NextToken == nil {
			break
		}
		input.NextToken = result.NextToken
	}
	return out, nil
}

// SetDesiredCapacity updates a group's desired size.
func (c *AWSASGClient) SetDesiredCapacity(ctx context.Context, region, name string, desired int32) error {
	asgClient, _, err := c.clients(ctx, region)
	if err != nil {
		return err
	}

	_, err = asgClient.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(name),
		DesiredCapacity:      aws.Int32(desired),
	})
	if err != nil {
		return fmt.Errorf("failed to set desired capacity for ASG %q to %d: %w", name, desired, err)
	}

	c.logger.Info("set group desired capacity",
		"region", region,
		"group", name,
		"desired", desired,
	)
	return nil
}

// TerminateInstance terminates a group member. The ASG API's native
// decrement keeps the size change and termination atomic on the cloud side.
func (c *AWSASGClient) TerminateInstance(ctx context.Context, region, instanceID string, decrementDesired bool) error {
	asgClient, _, err := c.clients(ctx, region)
	if err != nil {
		return err
	}

	_, err = asgClient.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(instanceID),
		ShouldDecrementDesiredCapacity: aws.Bool(decrementDesired),
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s in %s: %w", instanceID, region, err)
	}

	c.logger.Info("terminated instance",
		"region", region,
		"instance", instanceID,
		"decrement_desired", decrementDesired,
	)
	return nil
}

// groupFromAWS converts an AWS ASG record, keeping only in-service members.
func groupFromAWS(asg asgtypes.AutoScalingGroup, region string) *Group {
	if asg.AutoScalingGroupName == nil {
		return nil
	}

	g := &Group{
		Name:    *asg.AutoScalingGroupName,
		Region:  region,
		Desired: aws.ToInt32(asg.DesiredCapacity),
		Min:     aws.ToInt32(asg.MinSize),
		Max:     aws.ToInt32(asg.MaxSize),
	}
	for _, inst := range asg.Instances {
		if inst.InstanceId == nil {
			continue
		}
		if inst.LifecycleState == asgtypes.LifecycleStateTerminating ||
			inst.LifecycleState == asgtypes.LifecycleStateTerminated {
			continue
		}
		g.InstanceIDs = append(g.InstanceIDs, *inst.InstanceId)
	}
	return g
}

// Compile-time interface check.
var _ ASGClient = (*AWSASGClient)(nil)
