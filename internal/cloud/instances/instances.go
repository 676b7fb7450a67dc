// Package instances looks up and terminates the EC2 instances backing nodes.
package instances

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"node-rotator/internal/cloud"
	"node-rotator/internal/logger"
	"node-rotator/internal/retrier"
)

// Filter names usable as a network identity
const (
	FilterPrivateDNSName = "private-dns-name"
	FilterPrivateIP      = "private-ip-address"
)

// lookupStates excludes shutting-down and terminated instances, which may
// still carry the address of a node that has been replaced
var lookupStates = []string{"pending", "running", "stopping", "stopped"}

// retiredStates are the states of an instance already on its way out
var retiredStates = []string{"shutting-down", "terminated"}

// API is the subset of the EC2 SDK client used here
type API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Client performs retried, rate limited EC2 calls
type Client struct {
	api     API
	retrier *retrier.Executor
	limiter *cloud.RateLimiter
	logger  *logger.Logger
}

// NewFromConfig builds a Client on the SDK client for cfg
func NewFromConfig(cfg aws.Config, exec *retrier.Executor, limiter *cloud.RateLimiter, log *logger.Logger) *Client {
	return NewClient(ec2.NewFromConfig(cfg), exec, limiter, log)
}

// NewClient creates a Client over any API implementation
func NewClient(api API, exec *retrier.Executor, limiter *cloud.RateLimiter, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("instances")
	}
	return &Client{api: api, retrier: exec, limiter: limiter, logger: log}
}

// FindByNetworkIdentity returns the IDs of live instances whose filter
// attribute equals value
func (c *Client) FindByNetworkIdentity(ctx context.Context, filter, value string) ([]string, error) {
	return c.find(ctx, filter, value, lookupStates)
}

// FindRetiredByNetworkIdentity returns the IDs of shutting-down or terminated
// instances whose filter attribute equals value. EC2 keeps terminated
// instances visible for about an hour.
func (c *Client) FindRetiredByNetworkIdentity(ctx context.Context, filter, value string) ([]string, error) {
	return c.find(ctx, filter, value, retiredStates)
}

func (c *Client) find(ctx context.Context, filter, value string, states []string) ([]string, error) {
	var ids []string
	err := c.retrier.Do(ctx, "describe instances", func(ctx context.Context) error {
		ids = nil
		paginator := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{
				{Name: aws.String(filter), Values: []string{value}},
				{Name: aws.String("instance-state-name"), Values: states},
			},
		})
		for paginator.HasMorePages() {
			if err := c.limiter.Wait(ctx); err != nil {
				return retrier.Permanent(err)
			}
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe instances with %s=%s: %w", filter, value, err)
			}
			for _, r := range page.Reservations {
				for _, inst := range r.Instances {
					ids = append(ids, aws.ToString(inst.InstanceId))
				}
			}
		}
		return nil
	})
	return ids, err
}

// Terminate terminates a single instance
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	return c.retrier.Do(ctx, "terminate instance", func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retrier.Permanent(err)
		}
		out, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
		}
		for _, change := range out.TerminatingInstances {
			if change.CurrentState != nil {
				c.logger.Info("Instance terminating",
					"instance_id", aws.ToString(change.InstanceId),
					"state", string(change.CurrentState.Name),
				)
			}
		}
		return nil
	})
}
