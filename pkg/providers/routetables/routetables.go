package routetables

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/selectors"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// CatchAllCIDR is the destination of a default route
const CatchAllCIDR = "0.0.0.0/0"

// Watcher discovers, creates, and deletes route tables
type Watcher struct {
	routeTableAPI SDKRouteTablesOps
}

// SDKRouteTablesOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKRouteTablesOps interface {
	ec2.DescribeRouteTablesAPIClient
	CreateRouteTable(context.Context, *ec2.CreateRouteTableInput, ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	DeleteRouteTable(context.Context, *ec2.DeleteRouteTableInput, ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	AssociateRouteTable(context.Context, *ec2.AssociateRouteTableInput, ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	DisassociateRouteTable(context.Context, *ec2.DisassociateRouteTableInput, ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error)
	CreateRoute(context.Context, *ec2.CreateRouteInput, ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	DeleteRoute(context.Context, *ec2.DeleteRouteInput, ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error)
}

// Selector is a struct that represents a routeTable selector
type Selector struct {
	Tags     map[string]string
	ID       string
	VPCID    string
	SubnetID string
}

// RouteTable represent an AWS RouteTable
// This is not the AWS SDK RouteTable type, but a wrapper around it so that we can add additional data
type RouteTable struct {
	ec2types.RouteTable
}

// CatchAllRoutes returns the 0.0.0.0/0 routes of the table
func (rt RouteTable) CatchAllRoutes() []ec2types.Route {
	return lo.Filter(rt.Routes, func(r ec2types.Route, _ int) bool {
		return lo.FromPtr(r.DestinationCidrBlock) == CatchAllCIDR
	})
}

// Association returns the explicit association between the table and subnetID, if there is one
func (rt RouteTable) Association(subnetID string) (ec2types.RouteTableAssociation, bool) {
	return lo.Find(rt.Associations, func(a ec2types.RouteTableAssociation) bool {
		return lo.FromPtr(a.SubnetId) == subnetID
	})
}

// NewWatcher creates a new RouteTable Watcher
func NewWatcher(routeTableAPI SDKRouteTablesOps) Watcher {
	return Watcher{
		routeTableAPI: routeTableAPI,
	}
}

// Resolve returns a list of route tables that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]RouteTable, error) {
	var routeTables []RouteTable
	for _, filters := range filterSets(selectors) {
		pager := ec2.NewDescribeRouteTablesPaginator(w.routeTableAPI, &ec2.DescribeRouteTablesInput{
			Filters: filters,
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to describe route tables: %w", err)
			}
			routeTables = append(routeTables, lo.Map(page.RouteTables, func(sdkRouteTable ec2types.RouteTable, _ int) RouteTable {
				return RouteTable{sdkRouteTable}
			})...)
		}
	}
	return lo.UniqBy(routeTables, func(rt RouteTable) string { return lo.FromPtr(rt.RouteTableId) }), nil
}

// Create creates an empty route table in vpcID. EC2 adds the local route itself.
func (w Watcher) Create(ctx context.Context, vpcID string, tags map[string]string) (*RouteTable, error) {
	out, err := w.routeTableAPI.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagutils.EC2TagSpec(ec2types.ResourceTypeRouteTable, tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create route table in vpc %s: %w", vpcID, err)
	}
	logging.FromContext(ctx).Debug("created route table", "id", lo.FromPtr(out.RouteTable.RouteTableId), "vpc", vpcID)
	return &RouteTable{*out.RouteTable}, nil
}

// CreateDefaultRoute adds 0.0.0.0/0 -> gatewayID to the table and records it on rt
func (w Watcher) CreateDefaultRoute(ctx context.Context, rt *RouteTable, gatewayID string) error {
	if _, err := w.routeTableAPI.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         rt.RouteTableId,
		DestinationCidrBlock: aws.String(CatchAllCIDR),
		GatewayId:            aws.String(gatewayID),
	}); err != nil {
		return fmt.Errorf("failed to create default route in %s via %s: %w", lo.FromPtr(rt.RouteTableId), gatewayID, err)
	}
	rt.Routes = append(rt.Routes, ec2types.Route{
		DestinationCidrBlock: aws.String(CatchAllCIDR),
		GatewayId:            aws.String(gatewayID),
		State:                ec2types.RouteStateActive,
	})
	return nil
}

// DeleteRoute removes the route to destinationCIDR from the table
func (w Watcher) DeleteRoute(ctx context.Context, rt *RouteTable, destinationCIDR string) error {
	if _, err := w.routeTableAPI.DeleteRoute(ctx, &ec2.DeleteRouteInput{
		RouteTableId:         rt.RouteTableId,
		DestinationCidrBlock: aws.String(destinationCIDR),
	}); err != nil && !ec2utils.IsNotFoundErr(err) {
		return fmt.Errorf("failed to delete route %s from %s: %w", destinationCIDR, lo.FromPtr(rt.RouteTableId), err)
	}
	rt.Routes = lo.Reject(rt.Routes, func(r ec2types.Route, _ int) bool {
		return lo.FromPtr(r.DestinationCidrBlock) == destinationCIDR
	})
	return nil
}

// Associate associates the table with subnetID and records the association on rt
func (w Watcher) Associate(ctx context.Context, rt *RouteTable, subnetID string) (string, error) {
	out, err := w.routeTableAPI.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: rt.RouteTableId,
		SubnetId:     aws.String(subnetID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to associate route table %s with subnet %s: %w", lo.FromPtr(rt.RouteTableId), subnetID, err)
	}
	rt.Associations = append(rt.Associations, ec2types.RouteTableAssociation{
		RouteTableAssociationId: out.AssociationId,
		RouteTableId:            rt.RouteTableId,
		SubnetId:                aws.String(subnetID),
		Main:                    aws.Bool(false),
	})
	return lo.FromPtr(out.AssociationId), nil
}

// Delete removes gateway routes, disassociates every non-main association, and deletes the table
func (w Watcher) Delete(ctx context.Context, routeTable RouteTable) error {
	for _, route := range routeTable.Routes {
		if route.GatewayId == nil || lo.FromPtr(route.GatewayId) == "local" || route.DestinationCidrBlock == nil {
			continue
		}
		if err := w.DeleteRoute(ctx, &routeTable, *route.DestinationCidrBlock); err != nil {
			return err
		}
	}
	for _, association := range routeTable.Associations {
		if lo.FromPtr(association.Main) {
			continue
		}
		if _, err := w.routeTableAPI.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
			AssociationId: association.RouteTableAssociationId,
		}); err != nil && !ec2utils.IsNotFoundErr(err) {
			return fmt.Errorf("failed to disassociate %s: %w", lo.FromPtr(association.RouteTableAssociationId), err)
		}
	}
	if _, err := w.routeTableAPI.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: routeTable.RouteTableId}); err != nil {
		return fmt.Errorf("failed to delete route table %s: %w", lo.FromPtr(routeTable.RouteTableId), err)
	}
	return nil
}

// filterSets converts a slice of selectors into a slice of filters for use with the AWS SDK
// Each filter is executed as a separate list call.
// Terms within a Selector are AND'd and between Selectors are OR'd
func filterSets(selectorList []Selector) [][]ec2types.Filter {
	var filterResult [][]ec2types.Filter
	for _, term := range selectorList {
		filters := []ec2types.Filter{}
		if term.ID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("route-table-id"), Values: []string{term.ID}})
		}
		if term.VPCID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{term.VPCID}})
		}
		if term.SubnetID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("association.subnet-id"), Values: []string{term.SubnetID}})
		}
		filters = append(filters, selectors.TagsToEC2Filters(term.Tags)...)
		filterResult = append(filterResult, filters)
	}
	return filterResult
}
