package vpcs_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

func TestCreate(t *testing.T) {
	for _, tc := range []struct {
		name          string
		opts          vpcs.CreateOptions
		wantSupport   bool
		wantHostnames bool
		wantModifies  int
	}{
		{
			name:          "dns enabled",
			opts:          vpcs.CreateOptions{CIDR: "10.7.0.0/16", EnableDNSSupport: true, EnableDNSHostnames: true},
			wantSupport:   true,
			wantHostnames: true,
			wantModifies:  2,
		},
		{
			name:        "ec2 defaults",
			opts:        vpcs.CreateOptions{CIDR: "10.7.0.0/16"},
			wantSupport: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := fake.NewCalls()
			ec2API := fake.NewEC2(fake.DefaultRegion, calls)
			tc.opts.Tags = tagutils.ComponentTags("default", "llm", tagutils.ComponentVPC)

			vpc, err := vpcs.NewWatcher(ec2API).Create(context.Background(), tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.opts.CIDR, lo.FromPtr(vpc.CidrBlock))
			assert.Equal(t, tc.opts.Tags, tagutils.EC2TagsToMap(vpc.Tags))
			support, hostnames := ec2API.DNSAttributes(lo.FromPtr(vpc.VpcId))
			assert.Equal(t, tc.wantSupport, support)
			assert.Equal(t, tc.wantHostnames, hostnames)
			assert.Equal(t, tc.wantModifies, calls.Count("ModifyVpcAttribute"))
		})
	}

	t.Run("vpc is returned when an attribute can not be set", func(t *testing.T) {
		calls := fake.NewCalls()
		calls.Inject("ModifyVpcAttribute", fake.APIError("UnauthorizedOperation", "not authorized"), 1)
		vpc, err := vpcs.NewWatcher(fake.NewEC2(fake.DefaultRegion, calls)).Create(context.Background(), vpcs.CreateOptions{
			CIDR:             "10.7.0.0/16",
			EnableDNSSupport: true,
		})
		require.Error(t, err)
		require.NotNil(t, vpc)
		assert.NotEmpty(t, lo.FromPtr(vpc.VpcId))
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	w := vpcs.NewWatcher(fake.NewEC2(fake.DefaultRegion, fake.NewCalls()))
	first, err := w.Create(ctx, vpcs.CreateOptions{CIDR: "10.7.0.0/16", Tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentVPC)})
	require.NoError(t, err)
	second, err := w.Create(ctx, vpcs.CreateOptions{CIDR: "10.8.0.0/16", Tags: tagutils.ComponentTags("default", "other", tagutils.ComponentVPC)})
	require.NoError(t, err)
	firstID, secondID := lo.FromPtr(first.VpcId), lo.FromPtr(second.VpcId)

	for _, tc := range []struct {
		name      string
		selectors []vpcs.Selector
		want      []string
	}{
		{name: "by deployment tags", selectors: []vpcs.Selector{{Tags: tagutils.NamespacedTags("default", "llm")}}, want: []string{firstID}},
		{name: "by namespace", selectors: []vpcs.Selector{{Tags: tagutils.NamespacedTags("default", "")}}, want: []string{firstID, secondID}},
		{name: "by id", selectors: []vpcs.Selector{{ID: secondID}}, want: []string{secondID}},
		{name: "id AND'd with tags", selectors: []vpcs.Selector{{ID: secondID, Tags: tagutils.NamespacedTags("default", "llm")}}},
		{name: "terms OR'd and deduplicated", selectors: []vpcs.Selector{{ID: firstID}, {ID: secondID}, {Tags: tagutils.NamespacedTags("default", "llm")}}, want: []string{firstID, secondID}},
		{name: "no match", selectors: []vpcs.Selector{{Tags: tagutils.NamespacedTags("team", "llm")}}},
		{name: "no selectors"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			found, err := w.Resolve(ctx, tc.selectors)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, lo.Map(found, func(v vpcs.VPC, _ int) string { return lo.FromPtr(v.VpcId) }))
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := vpcs.NewWatcher(ec2API)
	vpc, err := w.Create(ctx, vpcs.CreateOptions{CIDR: "10.7.0.0/16"})
	require.NoError(t, err)
	vpcID := lo.FromPtr(vpc.VpcId)

	t.Run("subnets hold the vpc", func(t *testing.T) {
		out, err := ec2API.CreateSubnet(ctx, &ec2.CreateSubnetInput{VpcId: vpc.VpcId, CidrBlock: lo.ToPtr("10.7.1.0/24"), AvailabilityZone: lo.ToPtr("us-west-2a")})
		require.NoError(t, err)
		err = w.Delete(ctx, vpcID)
		assert.True(t, ec2utils.IsDependencyViolationErr(err))
		_, err = ec2API.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: out.Subnet.SubnetId})
		require.NoError(t, err)
	})

	require.NoError(t, w.Delete(ctx, vpcID))
	assert.Empty(t, ec2API.VPCs())

	t.Run("already deleted", func(t *testing.T) {
		err := w.Delete(ctx, vpcID)
		assert.True(t, ec2utils.IsNotFoundErr(err))
	})
}
