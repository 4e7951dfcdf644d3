package instances_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

func newSubnet(t *testing.T, ec2API *fake.EC2) string {
	t.Helper()
	ctx := context.Background()
	vpc, err := ec2API.CreateVpc(ctx, &ec2.CreateVpcInput{CidrBlock: lo.ToPtr("10.7.0.0/16")})
	require.NoError(t, err)
	subnet, err := ec2API.CreateSubnet(ctx, &ec2.CreateSubnetInput{VpcId: vpc.Vpc.VpcId, CidrBlock: lo.ToPtr("10.7.1.0/24"), AvailabilityZone: lo.ToPtr("us-west-2a")})
	require.NoError(t, err)
	return lo.FromPtr(subnet.Subnet.SubnetId)
}

func launchOptions(subnetID string) instances.LaunchOptions {
	return instances.LaunchOptions{
		AMIID:               fake.DefaultAMIID,
		InstanceType:        "g5.xlarge",
		SubnetID:            subnetID,
		InstanceProfileARN:  "arn:aws:iam::123456789012:instance-profile/llm",
		RootDeviceName:      "/dev/sda1",
		RootVolumeGiB:       120,
		RootVolumeType:      "gp3",
		DeleteOnTermination: true,
		UserData:            "#!/bin/bash\necho hello\n",
		Tags:                tagutils.ComponentTags("default", "llm", tagutils.ComponentInstance),
	}
}

func TestLaunch(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*instances.LaunchOptions)
		verify func(t *testing.T, input ec2.RunInstancesInput)
	}{
		{
			name: "user data is base64 encoded",
			verify: func(t *testing.T, input ec2.RunInstancesInput) {
				decoded, err := base64.StdEncoding.DecodeString(lo.FromPtr(input.UserData))
				require.NoError(t, err)
				assert.Equal(t, "#!/bin/bash\necho hello\n", string(decoded))
			},
		},
		{
			name: "root volume overrides the ami mapping",
			verify: func(t *testing.T, input ec2.RunInstancesInput) {
				require.Len(t, input.BlockDeviceMappings, 1)
				mapping := input.BlockDeviceMappings[0]
				assert.Equal(t, "/dev/sda1", lo.FromPtr(mapping.DeviceName))
				assert.Equal(t, int32(120), lo.FromPtr(mapping.Ebs.VolumeSize))
				assert.Equal(t, ec2types.VolumeTypeGp3, mapping.Ebs.VolumeType)
				assert.True(t, lo.FromPtr(mapping.Ebs.DeleteOnTermination))
			},
		},
		{
			name:   "no root volume keeps the ami mapping",
			modify: func(o *instances.LaunchOptions) { o.RootVolumeGiB = 0 },
			verify: func(t *testing.T, input ec2.RunInstancesInput) {
				assert.Empty(t, input.BlockDeviceMappings)
			},
		},
		{
			name: "exactly one instance with the profile and tags",
			verify: func(t *testing.T, input ec2.RunInstancesInput) {
				assert.Equal(t, int32(1), lo.FromPtr(input.MinCount))
				assert.Equal(t, int32(1), lo.FromPtr(input.MaxCount))
				assert.Equal(t, "arn:aws:iam::123456789012:instance-profile/llm", lo.FromPtr(input.IamInstanceProfile.Arn))
				require.Len(t, input.TagSpecifications, 1)
				assert.Equal(t, ec2types.ResourceTypeInstance, input.TagSpecifications[0].ResourceType)
				assert.Equal(t, tagutils.ComponentTags("default", "llm", tagutils.ComponentInstance), tagutils.EC2TagsToMap(input.TagSpecifications[0].Tags))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
			opts := launchOptions(newSubnet(t, ec2API))
			if tc.modify != nil {
				tc.modify(&opts)
			}
			instance, err := instances.NewWatcher(ec2API).Launch(context.Background(), opts)
			require.NoError(t, err)
			input, ok := ec2API.LaunchInput(lo.FromPtr(instance.InstanceId))
			require.True(t, ok)
			tc.verify(t, input)
		})
	}
}

func TestLaunchRetry(t *testing.T) {
	propagation := fake.APIError("InvalidParameterValue", "Value (arn) for parameter iamInstanceProfile.arn is invalid. Invalid IAM Instance Profile ARN")
	for _, tc := range []struct {
		name         string
		err          error
		times        int
		wantErr      bool
		wantLaunched int
	}{
		{name: "retries while the profile propagates", err: propagation, times: 2, wantLaunched: 1},
		{name: "gives up after the retry budget", err: propagation, times: 3, wantErr: true},
		{name: "other errors are not retried", err: fake.APIError("InsufficientInstanceCapacity", "no capacity"), times: 1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := fake.NewCalls()
			ec2API := fake.NewEC2(fake.DefaultRegion, calls)
			opts := launchOptions(newSubnet(t, ec2API))
			calls.Inject("RunInstances", tc.err, tc.times)

			w := instances.NewWatcher(ec2API).WithLaunchRetry(3, time.Millisecond)
			_, err := w.Launch(context.Background(), opts)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantLaunched, calls.Count("RunInstances"))
		})
	}

	t.Run("stops when the context is done", func(t *testing.T) {
		calls := fake.NewCalls()
		ec2API := fake.NewEC2(fake.DefaultRegion, calls)
		opts := launchOptions(newSubnet(t, ec2API))
		calls.Inject("RunInstances", propagation, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := instances.NewWatcher(ec2API).WithLaunchRetry(3, time.Hour).Launch(ctx, opts)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := instances.NewWatcher(ec2API)
	subnetID := newSubnet(t, ec2API)
	old, err := w.Launch(ctx, launchOptions(subnetID))
	require.NoError(t, err)
	require.NoError(t, w.Terminate(ctx, lo.FromPtr(old.InstanceId)))
	require.NoError(t, w.WaitTerminated(ctx, lo.FromPtr(old.InstanceId), time.Minute))
	current, err := w.Launch(ctx, launchOptions(subnetID))
	require.NoError(t, err)
	running, err := w.WaitRunning(ctx, lo.FromPtr(current.InstanceId), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ec2types.InstanceStateNameRunning, running.State.Name)
	oldID, currentID := lo.FromPtr(old.InstanceId), lo.FromPtr(current.InstanceId)

	for _, tc := range []struct {
		name      string
		selectors []instances.Selector
		want      []string
	}{
		{name: "live instances of the deployment", selectors: []instances.Selector{{Tags: tagutils.NamespacedTags("default", "llm"), States: instances.LiveStates}}, want: []string{currentID}},
		{name: "every state", selectors: []instances.Selector{{Tags: tagutils.NamespacedTags("default", "llm")}}, want: []string{oldID, currentID}},
		{name: "terminated", selectors: []instances.Selector{{States: []string{string(ec2types.InstanceStateNameTerminated)}}}, want: []string{oldID}},
		{name: "by id", selectors: []instances.Selector{{ID: oldID}}, want: []string{oldID}},
		{name: "other deployment", selectors: []instances.Selector{{Tags: tagutils.NamespacedTags("default", "other")}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			found, err := w.Resolve(ctx, tc.selectors)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, lo.Map(found, func(i instances.Instance, _ int) string { return lo.FromPtr(i.InstanceId) }))
		})
	}
}
