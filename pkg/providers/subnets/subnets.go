package subnets

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

// Watcher discovers, creates, and deletes subnets
type Watcher struct {
	subnetAPI SDKSubnetsOps
}

// SDKSubnetsOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKSubnetsOps interface {
	ec2.DescribeSubnetsAPIClient
	CreateSubnet(context.Context, *ec2.CreateSubnetInput, ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	ModifySubnetAttribute(context.Context, *ec2.ModifySubnetAttributeInput, ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
	DeleteSubnet(context.Context, *ec2.DeleteSubnetInput, ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
}

// Selector is a struct that represents a subnet selector
type Selector struct {
	Tags  map[string]string
	ID    string
	VPCID string
}

// Subnet represent an AWS Subnet
// This is not the AWS SDK Subnet type, but a wrapper around it so that we can add additional data
type Subnet struct {
	ec2types.Subnet
}

// Public reports whether instances launched into the subnet get a public IP
func (s Subnet) Public() bool {
	return lo.FromPtr(s.MapPublicIpOnLaunch)
}

// CreateOptions describes a subnet to create inside a VPC
type CreateOptions struct {
	VPCID  string
	CIDR   string
	AZ     string
	Public bool
	Tags   map[string]string
}

// NewWatcher creates a new Subnet Watcher
func NewWatcher(subnetAPI SDKSubnetsOps) Watcher {
	return Watcher{
		subnetAPI: subnetAPI,
	}
}

// Resolve returns a list of subnets that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]Subnet, error) {
	var subnets []Subnet
	for _, filters := range filterSets(selectors) {
		pager := ec2.NewDescribeSubnetsPaginator(w.subnetAPI, &ec2.DescribeSubnetsInput{
			Filters: filters,
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to describe subnets: %w", err)
			}
			subnets = append(subnets, lo.Map(page.Subnets, func(sdkSubnet ec2types.Subnet, _ int) Subnet {
				return Subnet{sdkSubnet}
			})...)
		}
	}
	return lo.UniqBy(subnets, func(s Subnet) string { return lo.FromPtr(s.SubnetId) }), nil
}

// Create creates a subnet and, for public subnets, turns on public IP mapping at launch
func (w Watcher) Create(ctx context.Context, opts CreateOptions) (*Subnet, error) {
	out, err := w.subnetAPI.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(opts.VPCID),
		CidrBlock:         aws.String(opts.CIDR),
		AvailabilityZone:  aws.String(opts.AZ),
		TagSpecifications: tagutils.EC2TagSpec(ec2types.ResourceTypeSubnet, opts.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet %s in %s: %w", opts.CIDR, opts.AZ, err)
	}
	subnet := &Subnet{*out.Subnet}
	logging.FromContext(ctx).Debug("created subnet", "id", lo.FromPtr(subnet.SubnetId), "cidr", opts.CIDR, "az", opts.AZ)
	if opts.Public {
		if err := w.SetMapPublicIP(ctx, subnet, true); err != nil {
			return subnet, err
		}
	}
	return subnet, nil
}

// SetMapPublicIP sets MapPublicIpOnLaunch on the subnet and mirrors it onto the passed in struct
func (w Watcher) SetMapPublicIP(ctx context.Context, subnet *Subnet, enabled bool) error {
	if _, err := w.subnetAPI.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            subnet.SubnetId,
		MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(enabled)},
	}); err != nil {
		return fmt.Errorf("failed to set map-public-ip-on-launch on subnet %s: %w", lo.FromPtr(subnet.SubnetId), err)
	}
	subnet.MapPublicIpOnLaunch = aws.Bool(enabled)
	return nil
}

func (w Watcher) Delete(ctx context.Context, subnetID string) error {
	if _, err := w.subnetAPI.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(subnetID)}); err != nil {
		return fmt.Errorf("failed to delete subnet %s: %w", subnetID, err)
	}
	return nil
}

// filterSets converts a slice of selectors into a slice of filters for use with the AWS SDK
// Terms within a Selector are AND'd and between Selectors are OR'd
func filterSets(selectorList []Selector) [][]ec2types.Filter {
	var filterResult [][]ec2types.Filter
	for _, term := range selectorList {
		var filters []ec2types.Filter
		if term.ID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("subnet-id"), Values: []string{term.ID}})
		}
		if term.VPCID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{term.VPCID}})
		}
		filters = append(filters, selectors.TagsToEC2Filters(term.Tags)...)
		filterResult = append(filterResult, filters)
	}
	return filterResult
}
