// Package asg wraps the EC2 Auto Scaling API calls a rotation needs.
package asg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"node-rotator/internal/cloud"
	"node-rotator/internal/logger"
	"node-rotator/internal/retrier"
)

// RotationProcesses are suspended while the retiring cohort is removed, so
// the group neither replaces terminated instances nor rebalances mid-rotation.
// Terminate and HealthCheck stay active.
var RotationProcesses = []string{
	"Launch",
	"ReplaceUnhealthy",
	"AZRebalance",
	"AlarmNotification",
	"ScheduledActions",
	"AddToLoadBalancer",
}

// ErrGroupNotFound is returned when a named group does not exist
var ErrGroupNotFound = errors.New("auto scaling group not found")

// Instance is a group member and its lifecycle state
type Instance struct {
	ID             string
	LifecycleState string
}

// Group is a snapshot of an auto scaling group
type Group struct {
	Name               string
	DesiredCapacity    int32
	MaxSize            int32
	MinSize            int32
	Instances          []Instance
	SuspendedProcesses []string
	Tags               map[string]string
}

// LiveInstances counts members that are not on their way out
func (g *Group) LiveInstances() int {
	live := 0
	for _, i := range g.Instances {
		if !isTerminating(i.LifecycleState) {
			live++
		}
	}
	return live
}

func isTerminating(state string) bool {
	return strings.HasPrefix(state, string(types.LifecycleStateTerminating)) ||
		state == string(types.LifecycleStateTerminated)
}

// API is the subset of the Auto Scaling SDK client used here
type API interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeAutoScalingInstances(ctx context.Context, params *autoscaling.DescribeAutoScalingInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error)
	UpdateAutoScalingGroup(ctx context.Context, params *autoscaling.UpdateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	SuspendProcesses(ctx context.Context, params *autoscaling.SuspendProcessesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SuspendProcessesOutput, error)
	ResumeProcesses(ctx context.Context, params *autoscaling.ResumeProcessesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.ResumeProcessesOutput, error)
	CreateOrUpdateTags(ctx context.Context, params *autoscaling.CreateOrUpdateTagsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateOrUpdateTagsOutput, error)
	DeleteTags(ctx context.Context, params *autoscaling.DeleteTagsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DeleteTagsOutput, error)
}

// Client performs retried, rate limited Auto Scaling calls
type Client struct {
	api     API
	retrier *retrier.Executor
	limiter *cloud.RateLimiter
	logger  *logger.Logger
}

// NewFromConfig builds a Client on the SDK client for cfg
func NewFromConfig(cfg aws.Config, exec *retrier.Executor, limiter *cloud.RateLimiter, log *logger.Logger) *Client {
	return NewClient(autoscaling.NewFromConfig(cfg), exec, limiter, log)
}

// NewClient creates a Client over any API implementation
func NewClient(api API, exec *retrier.Executor, limiter *cloud.RateLimiter, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("asg")
	}
	return &Client{api: api, retrier: exec, limiter: limiter, logger: log}
}

func (c *Client) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retrier.Permanent(err)
		}
		return fn(ctx)
	})
}

// DescribeGroup returns the current state of a group
func (c *Client) DescribeGroup(ctx context.Context, name string) (*Group, error) {
	var group *Group
	err := c.do(ctx, "describe auto scaling group", func(ctx context.Context) error {
		out, err := c.api.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{name},
		})
		if err != nil {
			return fmt.Errorf("failed to describe auto scaling group %s: %w", name, err)
		}
		for i := range out.AutoScalingGroups {
			if aws.ToString(out.AutoScalingGroups[i].AutoScalingGroupName) == name {
				group = fromAPI(&out.AutoScalingGroups[i])
				return nil
			}
		}
		return retrier.Permanent(fmt.Errorf("%w: %s", ErrGroupNotFound, name))
	})
	return group, err
}

// GroupForInstance returns the name of the group owning an instance, or an
// empty string when the instance is not in any group
func (c *Client) GroupForInstance(ctx context.Context, instanceID string) (string, error) {
	var name string
	err := c.do(ctx, "describe auto scaling instance", func(ctx context.Context) error {
		out, err := c.api.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to describe auto scaling instance %s: %w", instanceID, err)
		}
		name = ""
		for _, inst := range out.AutoScalingInstances {
			if aws.ToString(inst.InstanceId) == instanceID {
				name = aws.ToString(inst.AutoScalingGroupName)
				break
			}
		}
		return nil
	})
	return name, err
}

// FindGroupsByTag lists the groups carrying tag key=value
func (c *Client) FindGroupsByTag(ctx context.Context, key, value string) ([]*Group, error) {
	var groups []*Group
	err := c.do(ctx, "find auto scaling groups by tag", func(ctx context.Context) error {
		groups = nil
		paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(c.api, &autoscaling.DescribeAutoScalingGroupsInput{
			Filters: []types.Filter{
				{Name: aws.String("tag:" + key), Values: []string{value}},
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to list auto scaling groups tagged %s=%s: %w", key, value, err)
			}
			for i := range page.AutoScalingGroups {
				groups = append(groups, fromAPI(&page.AutoScalingGroups[i]))
			}
		}
		return nil
	})
	return groups, err
}

// SetCapacity sets desired capacity and max size in one call
func (c *Client) SetCapacity(ctx context.Context, name string, desired, max int32) error {
	if desired > max {
		return fmt.Errorf("desired capacity %d exceeds max size %d for %s", desired, max, name)
	}
	return c.do(ctx, "update auto scaling group", func(ctx context.Context) error {
		_, err := c.api.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			DesiredCapacity:      aws.Int32(desired),
			MaxSize:              aws.Int32(max),
		})
		if err != nil {
			return fmt.Errorf("failed to update auto scaling group %s: %w", name, err)
		}
		c.logger.Info("Updated auto scaling group capacity",
			"group", name,
			"desired_capacity", desired,
			"max_size", max,
		)
		return nil
	})
}

// SuspendProcesses suspends the given scaling processes
func (c *Client) SuspendProcesses(ctx context.Context, name string, processes []string) error {
	return c.do(ctx, "suspend processes", func(ctx context.Context) error {
		_, err := c.api.SuspendProcesses(ctx, &autoscaling.SuspendProcessesInput{
			AutoScalingGroupName: aws.String(name),
			ScalingProcesses:     processes,
		})
		if err != nil {
			return fmt.Errorf("failed to suspend processes on %s: %w", name, err)
		}
		c.logger.Info("Suspended scaling processes", "group", name, "processes", processes)
		return nil
	})
}

// ResumeProcesses resumes the given scaling processes
func (c *Client) ResumeProcesses(ctx context.Context, name string, processes []string) error {
	return c.do(ctx, "resume processes", func(ctx context.Context) error {
		_, err := c.api.ResumeProcesses(ctx, &autoscaling.ResumeProcessesInput{
			AutoScalingGroupName: aws.String(name),
			ScalingProcesses:     processes,
		})
		if err != nil {
			return fmt.Errorf("failed to resume processes on %s: %w", name, err)
		}
		c.logger.Info("Resumed scaling processes", "group", name, "processes", processes)
		return nil
	})
}

// InstanceCount returns the number of group members not terminating
func (c *Client) InstanceCount(ctx context.Context, name string) (int, error) {
	group, err := c.DescribeGroup(ctx, name)
	if err != nil {
		return 0, err
	}
	return group.LiveInstances(), nil
}

// TagGroup creates or overwrites tags on a group. Tags are not propagated to
// launched instances.
func (c *Client) TagGroup(ctx context.Context, name string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	apiTags := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		apiTags = append(apiTags, types.Tag{
			Key:               aws.String(k),
			Value:             aws.String(v),
			ResourceId:        aws.String(name),
			ResourceType:      aws.String("auto-scaling-group"),
			PropagateAtLaunch: aws.Bool(false),
		})
	}
	return c.do(ctx, "tag auto scaling group", func(ctx context.Context) error {
		_, err := c.api.CreateOrUpdateTags(ctx, &autoscaling.CreateOrUpdateTagsInput{Tags: apiTags})
		if err != nil {
			return fmt.Errorf("failed to tag auto scaling group %s: %w", name, err)
		}
		return nil
	})
}

// UntagGroup deletes tags by key from a group
func (c *Client) UntagGroup(ctx context.Context, name string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	apiTags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		apiTags = append(apiTags, types.Tag{
			Key:          aws.String(k),
			ResourceId:   aws.String(name),
			ResourceType: aws.String("auto-scaling-group"),
		})
	}
	return c.do(ctx, "untag auto scaling group", func(ctx context.Context) error {
		_, err := c.api.DeleteTags(ctx, &autoscaling.DeleteTagsInput{Tags: apiTags})
		if err != nil {
			return fmt.Errorf("failed to untag auto scaling group %s: %w", name, err)
		}
		return nil
	})
}

func fromAPI(g *types.AutoScalingGroup) *Group {
	group := &Group{
		Name:            aws.ToString(g.AutoScalingGroupName),
		DesiredCapacity: aws.ToInt32(g.DesiredCapacity),
		MaxSize:         aws.ToInt32(g.MaxSize),
		MinSize:         aws.ToInt32(g.MinSize),
		Tags:            make(map[string]string, len(g.Tags)),
	}
	for _, i := range g.Instances {
		group.Instances = append(group.Instances, Instance{
			ID:             aws.ToString(i.InstanceId),
			LifecycleState: string(i.LifecycleState),
		})
	}
	for _, p := range g.SuspendedProcesses {
		group.SuspendedProcesses = append(group.SuspendedProcesses, aws.ToString(p.ProcessName))
	}
	for _, t := range g.Tags {
		group.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return group
}
