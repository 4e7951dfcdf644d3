package azs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// Watcher discovers availability zones based on selectors
type Watcher struct {
	ec2API SDKAvailabilityZoneOps
}

// SDKAvailabilityZoneOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKAvailabilityZoneOps interface {
	DescribeAvailabilityZones(context.Context, *ec2.DescribeAvailabilityZonesInput, ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
}

// Selector is a struct that represents an availability zone selector
type Selector struct {
	Name   string
	ID     string
	Region string
	// State defaults to "available" when empty
	State string
}

// AvailabilityZone represent an AWS Availability Zone
// This is not the AWS SDK AvailabilityZone type, but a wrapper around it so that we can add additional data
type AvailabilityZone struct {
	ec2types.AvailabilityZone
}

// NewWatcher creates a new Availability Zone Watcher
func NewWatcher(ec2API SDKAvailabilityZoneOps) Watcher {
	return Watcher{
		ec2API: ec2API,
	}
}

// Resolve returns a list of availability zones that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]AvailabilityZone, error) {
	var availabilityZones []AvailabilityZone
	for _, filters := range filterSets(selectors) {
		azsOut, err := w.ec2API.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
			Filters: filters,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe availability zones: %w", err)
		}
		availabilityZones = append(availabilityZones,
			lo.Map(azsOut.AvailabilityZones, func(az ec2types.AvailabilityZone, _ int) AvailabilityZone { return AvailabilityZone{az} })...)
	}
	return lo.UniqBy(availabilityZones, func(az AvailabilityZone) string { return lo.FromPtr(az.ZoneName) }), nil
}

// Missing returns the zone names from names that are not available in region
func (w Watcher) Missing(ctx context.Context, region string, names ...string) ([]string, error) {
	zones, err := w.Resolve(ctx, []Selector{{Region: region}})
	if err != nil {
		return nil, err
	}
	available := lo.Map(zones, func(az AvailabilityZone, _ int) string { return lo.FromPtr(az.ZoneName) })
	missing, _ := lo.Difference(names, available)
	return missing, nil
}

// filterSets converts a slice of selectors into a slice of filters for use with the AWS SDK
func filterSets(selectorList []Selector) [][]ec2types.Filter {
	var filterResult [][]ec2types.Filter
	for _, term := range selectorList {
		filters := []ec2types.Filter{{
			Name:   aws.String("state"),
			Values: []string{lo.Ternary(term.State == "", string(ec2types.AvailabilityZoneStateAvailable), term.State)},
		}}
		if term.ID != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("zone-id"), Values: []string{term.ID}})
		}
		if term.Name != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("zone-name"), Values: []string{term.Name}})
		}
		if term.Region != "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("region-name"), Values: []string{term.Region}})
		}
		filterResult = append(filterResult, filters)
	}
	return filterResult
}
