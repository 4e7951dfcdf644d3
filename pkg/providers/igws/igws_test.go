package igws_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

func newVPC(t *testing.T, ec2API *fake.EC2) string {
	t.Helper()
	out, err := ec2API.CreateVpc(context.Background(), &ec2.CreateVpcInput{CidrBlock: lo.ToPtr("10.7.0.0/16")})
	require.NoError(t, err)
	return lo.FromPtr(out.Vpc.VpcId)
}

func TestAttachedTo(t *testing.T) {
	igw := igws.InternetGateway{InternetGateway: ec2types.InternetGateway{
		Attachments: []ec2types.InternetGatewayAttachment{{VpcId: lo.ToPtr("vpc-1"), State: ec2types.AttachmentStatusAttached}},
	}}
	assert.True(t, igw.AttachedTo("vpc-1"))
	assert.False(t, igw.AttachedTo("vpc-2"))
	assert.False(t, igws.InternetGateway{}.AttachedTo("vpc-1"))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches to the vpc", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		vpcID := newVPC(t, ec2API)
		tags := tagutils.ComponentTags("default", "llm", tagutils.ComponentIGW)
		igw, err := igws.NewWatcher(ec2API).Create(ctx, vpcID, tags)
		require.NoError(t, err)
		assert.True(t, igw.AttachedTo(vpcID))

		stored := ec2API.InternetGateways()
		require.Len(t, stored, 1)
		require.Len(t, stored[0].Attachments, 1)
		assert.Equal(t, vpcID, lo.FromPtr(stored[0].Attachments[0].VpcId))
		assert.Equal(t, tags, tagutils.EC2TagsToMap(stored[0].Tags))
	})

	t.Run("gateway is returned when the attach fails", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		igw, err := igws.NewWatcher(ec2API).Create(ctx, "vpc-00000000000000000", nil)
		require.Error(t, err)
		require.NotNil(t, igw)
		assert.Empty(t, igw.Attachments)
		assert.Len(t, ec2API.InternetGateways(), 1)
	})

	t.Run("a gateway attaches to one vpc only", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		w := igws.NewWatcher(ec2API)
		igw, err := w.Create(ctx, newVPC(t, ec2API), nil)
		require.NoError(t, err)
		err = w.Attach(ctx, igw, newVPC(t, ec2API))
		assert.True(t, ec2utils.IsAlreadyExistsErr(err))
		assert.Len(t, igw.Attachments, 1)
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
	w := igws.NewWatcher(ec2API)
	vpcID := newVPC(t, ec2API)
	attached, err := w.Create(ctx, vpcID, tagutils.ComponentTags("default", "llm", tagutils.ComponentIGW))
	require.NoError(t, err)
	out, err := ec2API.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagutils.EC2TagSpec(ec2types.ResourceTypeInternetGateway, tagutils.ComponentTags("default", "other", tagutils.ComponentIGW)),
	})
	require.NoError(t, err)
	attachedID, detachedID := lo.FromPtr(attached.InternetGatewayId), lo.FromPtr(out.InternetGateway.InternetGatewayId)

	for _, tc := range []struct {
		name      string
		selectors []igws.Selector
		want      []string
	}{
		{name: "by deployment tags", selectors: []igws.Selector{{Tags: tagutils.NamespacedTags("default", "llm")}}, want: []string{attachedID}},
		{name: "by attached vpc", selectors: []igws.Selector{{VPCID: vpcID}}, want: []string{attachedID}},
		{name: "by id", selectors: []igws.Selector{{ID: detachedID}}, want: []string{detachedID}},
		{name: "terms OR'd", selectors: []igws.Selector{{VPCID: vpcID}, {ID: detachedID}}, want: []string{attachedID, detachedID}},
		{name: "no match", selectors: []igws.Selector{{VPCID: vpcID, Tags: tagutils.NamespacedTags("default", "other")}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			found, err := w.Resolve(ctx, tc.selectors)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, lo.Map(found, func(igw igws.InternetGateway, _ int) string { return lo.FromPtr(igw.InternetGatewayId) }))
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("detaches before deleting", func(t *testing.T) {
		calls := fake.NewCalls()
		ec2API := fake.NewEC2(fake.DefaultRegion, calls)
		w := igws.NewWatcher(ec2API)
		igw, err := w.Create(ctx, newVPC(t, ec2API), nil)
		require.NoError(t, err)
		calls.Reset()

		require.NoError(t, w.Delete(ctx, *igw))
		assert.Equal(t, []string{"DetachInternetGateway", "DeleteInternetGateway"}, calls.List())
		assert.Empty(t, ec2API.InternetGateways())
	})

	t.Run("an attachment that is already gone is skipped", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		w := igws.NewWatcher(ec2API)
		vpcID := newVPC(t, ec2API)
		igw, err := w.Create(ctx, vpcID, nil)
		require.NoError(t, err)
		_, err = ec2API.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{InternetGatewayId: igw.InternetGatewayId, VpcId: lo.ToPtr(vpcID)})
		require.NoError(t, err)

		require.NoError(t, w.Delete(ctx, *igw))
		assert.Empty(t, ec2API.InternetGateways())
	})

	t.Run("mapped public addresses hold the gateway", func(t *testing.T) {
		ec2API := fake.NewEC2(fake.DefaultRegion, fake.NewCalls())
		w := igws.NewWatcher(ec2API)
		vpcID := newVPC(t, ec2API)
		igw, err := w.Create(ctx, vpcID, nil)
		require.NoError(t, err)
		subnet, err := ec2API.CreateSubnet(ctx, &ec2.CreateSubnetInput{VpcId: lo.ToPtr(vpcID), CidrBlock: lo.ToPtr("10.7.1.0/24"), AvailabilityZone: lo.ToPtr("us-west-2a")})
		require.NoError(t, err)
		_, err = ec2API.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            subnet.Subnet.SubnetId,
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: lo.ToPtr(true)},
		})
		require.NoError(t, err)
		_, err = ec2API.RunInstances(ctx, &ec2.RunInstancesInput{ImageId: lo.ToPtr(fake.DefaultAMIID), SubnetId: subnet.Subnet.SubnetId})
		require.NoError(t, err)

		err = w.Delete(ctx, *igw)
		assert.True(t, ec2utils.IsDependencyViolationErr(err))
		assert.Len(t, ec2API.InternetGateways(), 1)
	})
}
