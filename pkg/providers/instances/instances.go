package instances

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/selectors"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// LiveStates are the instance states that still hold the deployment's resources
var LiveStates = []string{
	string(ec2types.InstanceStateNamePending),
	string(ec2types.InstanceStateNameRunning),
	string(ec2types.InstanceStateNameStopping),
	string(ec2types.InstanceStateNameStopped),
	string(ec2types.InstanceStateNameShuttingDown),
}

// Watcher discovers, launches, and terminates instances
type Watcher struct {
	instanceAPI SDKInstancesOps
	// launchAttempts bounds RunInstances retries while a new instance profile propagates through IAM
	launchAttempts   int
	launchRetryDelay time.Duration
}

// SDKInstancesOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKInstancesOps interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Selector is a struct that represents an instance selector
type Selector struct {
	Tags map[string]string
	ID   string
	// States are any of: pending | running | shutting-down | terminated | stopping | stopped
	States []string
}

// Instance represents an Amazon EC2 Instance
// This is not the AWS SDK Instance type, but a wrapper around it so that we can add additional data
type Instance struct {
	ec2types.Instance
}

// LaunchOptions describes the single instance to launch
type LaunchOptions struct {
	AMIID               string
	InstanceType        string
	SubnetID            string
	InstanceProfileARN  string
	RootDeviceName      string
	RootVolumeGiB       int32
	RootVolumeType      string
	DeleteOnTermination bool
	// UserData is the raw script; it is base64 encoded on launch
	UserData string
	Tags     map[string]string
}

// NewWatcher creates a new Instance Watcher
func NewWatcher(instanceAPI SDKInstancesOps) Watcher {
	return Watcher{
		instanceAPI:      instanceAPI,
		launchAttempts:   10,
		launchRetryDelay: 5 * time.Second,
	}
}

// WithLaunchRetry returns a copy of the Watcher with a different instance profile propagation retry policy
func (w Watcher) WithLaunchRetry(attempts int, delay time.Duration) Watcher {
	w.launchAttempts = max(attempts, 1)
	w.launchRetryDelay = delay
	return w
}

// Resolve returns a list of instances that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]Instance, error) {
	var instances []Instance
	for _, filters := range filterSets(selectors) {
		pager := ec2.NewDescribeInstancesPaginator(w.instanceAPI, &ec2.DescribeInstancesInput{
			Filters: filters,
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to describe instances: %w", err)
			}
			instances = append(instances, fromReservations(page.Reservations)...)
		}
	}
	return lo.UniqBy(instances, func(i Instance) string { return lo.FromPtr(i.InstanceId) }), nil
}

// Launch runs exactly one instance. RunInstances is retried while EC2 does not yet see the instance profile.
func (w Watcher) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:            aws.String(opts.AMIID),
		InstanceType:       ec2types.InstanceType(opts.InstanceType),
		SubnetId:           aws.String(opts.SubnetID),
		MinCount:           aws.Int32(1),
		MaxCount:           aws.Int32(1),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{Arn: aws.String(opts.InstanceProfileARN)},
		UserData:           aws.String(base64.StdEncoding.EncodeToString([]byte(opts.UserData))),
		TagSpecifications:  tagutils.EC2TagSpec(ec2types.ResourceTypeInstance, opts.Tags),
	}
	if opts.RootVolumeGiB > 0 {
		input.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String(opts.RootDeviceName),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          aws.Int32(opts.RootVolumeGiB),
				VolumeType:          ec2types.VolumeType(opts.RootVolumeType),
				DeleteOnTermination: aws.Bool(opts.DeleteOnTermination),
			},
		}}
	}
	log := logging.FromContext(ctx)
	for attempt := 1; ; attempt++ {
		out, err := w.instanceAPI.RunInstances(ctx, input)
		if err == nil {
			if len(out.Instances) != 1 {
				return nil, fmt.Errorf("expected 1 instance to launch, got %d", len(out.Instances))
			}
			instance := &Instance{out.Instances[0]}
			log.Debug("launched instance", "id", lo.FromPtr(instance.InstanceId), "type", opts.InstanceType, "attempt", attempt)
			return instance, nil
		}
		if !ec2utils.IsIAMPropagationErr(err) || attempt >= w.launchAttempts {
			return nil, fmt.Errorf("failed to launch %s instance: %w", opts.InstanceType, err)
		}
		log.Debug("instance profile not visible to ec2 yet, retrying launch", "attempt", attempt, "delay", w.launchRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.launchRetryDelay):
		}
	}
}

// WaitRunning blocks until the instance is running and returns its refreshed description
func (w Watcher) WaitRunning(ctx context.Context, instanceID string, maxWait time.Duration) (*Instance, error) {
	out, err := ec2.NewInstanceRunningWaiter(w.instanceAPI).WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, maxWait)
	if err != nil {
		return nil, fmt.Errorf("instance %s did not reach running: %w", instanceID, err)
	}
	instances := fromReservations(out.Reservations)
	if len(instances) == 0 {
		return nil, fmt.Errorf("instance %s disappeared while waiting for running", instanceID)
	}
	return &instances[0], nil
}

func (w Watcher) Terminate(ctx context.Context, instanceID string) error {
	if _, err := w.instanceAPI.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

// WaitTerminated blocks until the instance is terminated so its network interfaces are released
func (w Watcher) WaitTerminated(ctx context.Context, instanceID string, maxWait time.Duration) error {
	if err := ec2.NewInstanceTerminatedWaiter(w.instanceAPI).Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, maxWait); err != nil {
		return fmt.Errorf("instance %s did not terminate: %w", instanceID, err)
	}
	return nil
}

func fromReservations(reservations []ec2types.Reservation) []Instance {
	return lo.FlatMap(reservations, func(sdkReservation ec2types.Reservation, _ int) []Instance {
		return lo.Map(sdkReservation.Instances, func(sdkInstance ec2types.Instance, _ int) Instance {
			return Instance{sdkInstance}
		})
	})
}

// filterSets converts a slice of selectors into a slice of filters for use with the AWS SDK
// Terms within a Selector are AND'd and between Selectors are OR'd
func filterSets(selectorList []Selector) [][]ec2types.Filter {
	var filterResult [][]ec2types.Filter
	for _, term := range selectorList {
		var filters []ec2types.Filter
		if term.ID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("instance-id"), Values: []string{term.ID}})
		}
		if len(term.States) > 0 {
			filters = append(filters, ec2types.Filter{Name: aws.String("instance-state-name"), Values: term.States})
		}
		filters = append(filters, selectors.TagsToEC2Filters(term.Tags)...)
		filterResult = append(filterResult, filters)
	}
	return filterResult
}
