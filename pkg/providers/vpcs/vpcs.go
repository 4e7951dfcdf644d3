package vpcs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/selectors"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// Watcher discovers, creates, and deletes vpcs
type Watcher struct {
	vpcAPI SDKVPCsOps
}

// SDKVPCsOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKVPCsOps interface {
	ec2.DescribeVpcsAPIClient
	CreateVpc(context.Context, *ec2.CreateVpcInput, ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	ModifyVpcAttribute(context.Context, *ec2.ModifyVpcAttributeInput, ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DeleteVpc(context.Context, *ec2.DeleteVpcInput, ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
}

// Selector is a struct that represents a vpc selector
type Selector struct {
	Tags map[string]string
	ID   string
}

// VPC represent an AWS VPC
// This is not the AWS SDK VPC type, but a wrapper around it so that we can add additional data
type VPC struct {
	ec2types.Vpc
}

// CreateOptions describes the VPC to create
type CreateOptions struct {
	CIDR               string
	EnableDNSHostnames bool
	EnableDNSSupport   bool
	Tags               map[string]string
}

// NewWatcher creates a new VPC Watcher
func NewWatcher(vpcAPI SDKVPCsOps) Watcher {
	return Watcher{
		vpcAPI: vpcAPI,
	}
}

// Resolve returns a list of vpcs that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]VPC, error) {
	var vpcs []VPC
	for _, filters := range filterSets(selectors) {
		pager := ec2.NewDescribeVpcsPaginator(w.vpcAPI, &ec2.DescribeVpcsInput{
			Filters: filters,
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to describe vpcs: %w", err)
			}
			vpcs = append(vpcs, lo.Map(page.Vpcs, func(sdkVPC ec2types.Vpc, _ int) VPC {
				return VPC{sdkVPC}
			})...)
		}
	}
	return lo.UniqBy(vpcs, func(v VPC) string { return lo.FromPtr(v.VpcId) }), nil
}

// Create creates a VPC and sets its DNS attributes.
// EC2 only accepts one attribute per ModifyVpcAttribute call.
func (w Watcher) Create(ctx context.Context, opts CreateOptions) (*VPC, error) {
	out, err := w.vpcAPI.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(opts.CIDR),
		TagSpecifications: tagutils.EC2TagSpec(ec2types.ResourceTypeVpc, opts.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vpc %s: %w", opts.CIDR, err)
	}
	vpc := &VPC{*out.Vpc}
	logging.FromContext(ctx).Debug("created vpc", "id", lo.FromPtr(vpc.VpcId), "cidr", opts.CIDR)
	if opts.EnableDNSSupport {
		if _, err := w.vpcAPI.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:            vpc.VpcId,
			EnableDnsSupport: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return vpc, fmt.Errorf("failed to enable dns support on vpc %s: %w", lo.FromPtr(vpc.VpcId), err)
		}
	}
	if opts.EnableDNSHostnames {
		if _, err := w.vpcAPI.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:              vpc.VpcId,
			EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return vpc, fmt.Errorf("failed to enable dns hostnames on vpc %s: %w", lo.FromPtr(vpc.VpcId), err)
		}
	}
	return vpc, nil
}

func (w Watcher) Delete(ctx context.Context, vpcID string) error {
	if _, err := w.vpcAPI.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)}); err != nil {
		return fmt.Errorf("failed to delete vpc %s: %w", vpcID, err)
	}
	return nil
}

// filterSets converts a slice of selectors into a slice of filters for use with the AWS SDK
// Each filter set is executed as a separate list call.
func filterSets(selectorList []Selector) [][]ec2types.Filter {
	var filterResult [][]ec2types.Filter
	for _, term := range selectorList {
		var filters []ec2types.Filter
		if term.ID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{term.ID}})
		}
		filters = append(filters, selectors.TagsToEC2Filters(term.Tags)...)
		filterResult = append(filterResult, filters)
	}
	return filterResult
}
