package subnets_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

func newVPC(t *testing.T, ec2API *fake.EC2) string {
	t.Helper()
	out, err := ec2API.CreateVpc(context.Background(), &ec2.CreateVpcInput{CidrBlock: lo.ToPtr("10.7.0.0/16")})
	require.NoError(t, err)
	return lo.FromPtr(out.Vpc.VpcId)
}

func TestCreate(t *testing.T) {
	for _, tc := range []struct {
		name         string
		public       bool
		wantModifies int
	}{
		{name: "public maps public ips at launch", public: true, wantModifies: 1},
		{name: "private does not", public: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := fake.NewCalls()
			ec2API := fake.NewEC2(fake.DefaultRegion, calls)
			vpcID := newVPC(t, ec2API)
			tags := tagutils.ComponentTags("default", "llm", tagutils.ComponentPublicSubnet)

			subnet, err := subnets.NewWatcher(ec2API).Create(context.Background(), subnets.CreateOptions{
				VPCID:  vpcID,
				CIDR:   "10.7.1.0/24",
				AZ:     "us-west-2a",
				Public: tc.public,
				Tags:   tags,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.public, subnet.Public())
			assert.Equal(t, tc.wantModifies, calls.Count("ModifySubnetAttribute"))

			stored := ec2API.Subnets()
			require.Len(t, stored, 1)
			assert.Equal(t, vpcID, lo.FromPtr(stored[0].VpcId))
			assert.Equal(t, "10.7.1.0/24", lo.FromPtr(stored[0].CidrBlock))
			assert.Equal(t, "us-west-2a", lo.FromPtr(stored[0].AvailabilityZone))
			assert.Equal(t, tc.public, lo.FromPtr(stored[0].MapPublicIpOnLaunch))
			assert.Equal(t, tags, tagutils.EC2TagsToMap(stored[0].Tags))
		})
	}

	t.Run("unknown availability zone", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		_, err := subnets.NewWatcher(ec2API).Create(context.Background(), subnets.CreateOptions{
			VPCID: newVPC(t, ec2API),
			CIDR:  "10.7.1.0/24",
			AZ:    "us-west-2z",
		})
		assert.ErrorContains(t, err, "us-west-2z")
	})
}

func TestSetMapPublicIP(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := subnets.NewWatcher(ec2API)
	subnet, err := w.Create(ctx, subnets.CreateOptions{VPCID: newVPC(t, ec2API), CIDR: "10.7.1.0/24", AZ: "us-west-2a", Public: true})
	require.NoError(t, err)

	require.NoError(t, w.SetMapPublicIP(ctx, subnet, false))
	assert.False(t, subnet.Public())
	found, err := w.Resolve(ctx, []subnets.Selector{{ID: lo.FromPtr(subnet.SubnetId)}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.False(t, found[0].Public())
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := subnets.NewWatcher(ec2API)
	vpcID, otherVPCID := newVPC(t, ec2API), newVPC(t, ec2API)
	public, err := w.Create(ctx, subnets.CreateOptions{VPCID: vpcID, CIDR: "10.7.1.0/24", AZ: "us-west-2a", Public: true,
		Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPublicSubnet)})
	require.NoError(t, err)
	private, err := w.Create(ctx, subnets.CreateOptions{VPCID: vpcID, CIDR: "10.7.2.0/24", AZ: "us-west-2b",
		Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPrivateSubnet)})
	require.NoError(t, err)
	other, err := w.Create(ctx, subnets.CreateOptions{VPCID: otherVPCID, CIDR: "10.7.1.0/24", AZ: "us-west-2a",
		Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPublicSubnet)})
	require.NoError(t, err)
	publicID, privateID, otherID := lo.FromPtr(public.SubnetId), lo.FromPtr(private.SubnetId), lo.FromPtr(other.SubnetId)

	for _, tc := range []struct {
		name      string
		selectors []subnets.Selector
		want      []string
	}{
		{name: "deployment in one vpc", selectors: []subnets.Selector{{VPCID: vpcID, Tags: tagutils.NamespacedTags("default", "llm")}}, want: []string{publicID, privateID}},
		{name: "component", selectors: []subnets.Selector{{VPCID: vpcID, Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPrivateSubnet)}}, want: []string{privateID}},
		{name: "component in every vpc", selectors: []subnets.Selector{{Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPublicSubnet)}}, want: []string{publicID, otherID}},
		{name: "by id", selectors: []subnets.Selector{{ID: otherID}}, want: []string{otherID}},
		{name: "no match", selectors: []subnets.Selector{{VPCID: otherVPCID, Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentPrivateSubnet)}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			found, err := w.Resolve(ctx, tc.selectors)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, lo.Map(found, func(s subnets.Subnet, _ int) string { return lo.FromPtr(s.SubnetId) }))
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := subnets.NewWatcher(ec2API)
	subnet, err := w.Create(ctx, subnets.CreateOptions{VPCID: newVPC(t, ec2API), CIDR: "10.7.1.0/24", AZ: "us-west-2a", Public: true})
	require.NoError(t, err)
	subnetID := lo.FromPtr(subnet.SubnetId)

	t.Run("a live instance holds the subnet", func(t *testing.T) {
		out, err := ec2API.RunInstances(ctx, &ec2.RunInstancesInput{ImageId: lo.ToPtr(fake.DefaultAMIID), SubnetId: subnet.SubnetId})
		require.NoError(t, err)
		err = w.Delete(ctx, subnetID)
		assert.True(t, ec2utils.IsDependencyViolationErr(err))
		_, err = ec2API.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{lo.FromPtr(out.Instances[0].InstanceId)}})
		require.NoError(t, err)
	})

	require.NoError(t, w.Delete(ctx, subnetID))
	assert.Empty(t, ec2API.Subnets())

	t.Run("already deleted", func(t *testing.T) {
		assert.True(t, ec2utils.IsNotFoundErr(w.Delete(ctx, subnetID)))
	})
}
