package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

const (
	// DefaultAMIID is a seeded x86_64 GPU image owned by amazon
	DefaultAMIID = "ami-081f526a977142913"
	// ARMAMIID is a seeded arm64 image owned by amazon
	ARMAMIID = "ami-0a1b2c3d4e5f60718"
	// DLAMIParameter is a seeded SSM parameter holding DefaultAMIID
	DLAMIParameter = "/aws/service/deeplearning/ami/x86_64/base-oss-nvidia-driver-gpu-ubuntu-22.04/latest/ami-id"
)

// EC2 is an in-memory EC2 covering VPCs, subnets, internet gateways, route tables, availability zones, images, and instances
type EC2 struct {
	mu     sync.Mutex
	calls  *Calls
	region string
	ids    idGen

	vpcs         map[string]*ec2types.Vpc
	dnsSupport   map[string]bool
	dnsHostnames map[string]bool
	subnets      map[string]*ec2types.Subnet
	igws         map[string]*ec2types.InternetGateway
	routeTables  map[string]*ec2types.RouteTable
	instances    map[string]*ec2types.Instance
	launches     map[string]ec2.RunInstancesInput
	images       []ec2types.Image
	zones        []ec2types.AvailabilityZone
	publicIPs    int

	// ProfileExists reports whether RunInstances can see an instance profile ARN. Every ARN is visible when nil.
	ProfileExists func(arn string) bool
}

func NewEC2(region string, calls *Calls) *EC2 {
	return &EC2{
		calls:        calls,
		region:       region,
		vpcs:         map[string]*ec2types.Vpc{},
		dnsSupport:   map[string]bool{},
		dnsHostnames: map[string]bool{},
		subnets:      map[string]*ec2types.Subnet{},
		igws:         map[string]*ec2types.InternetGateway{},
		routeTables:  map[string]*ec2types.RouteTable{},
		instances:    map[string]*ec2types.Instance{},
		launches:     map[string]ec2.RunInstancesInput{},
		images: []ec2types.Image{
			{
				ImageId:         aws.String(DefaultAMIID),
				Name:            aws.String("Deep Learning Base OSS Nvidia Driver GPU AMI (Ubuntu 22.04)"),
				Architecture:    ec2types.ArchitectureValuesX8664,
				ImageOwnerAlias: aws.String("amazon"),
				OwnerId:         aws.String("898082745236"),
				RootDeviceName:  aws.String("/dev/sda1"),
				CreationDate:    aws.String("2025-01-15T00:00:00.000Z"),
				State:           ec2types.ImageStateAvailable,
			},
			{
				ImageId:         aws.String(ARMAMIID),
				Name:            aws.String("al2023-ami-kernel-default-arm64"),
				Architecture:    ec2types.ArchitectureValuesArm64,
				ImageOwnerAlias: aws.String("amazon"),
				OwnerId:         aws.String("137112412989"),
				RootDeviceName:  aws.String("/dev/xvda"),
				CreationDate:    aws.String("2025-02-01T00:00:00.000Z"),
				State:           ec2types.ImageStateAvailable,
			},
		},
		zones: lo.Map([]string{"a", "b", "c"}, func(suffix string, i int) ec2types.AvailabilityZone {
			return ec2types.AvailabilityZone{
				ZoneName:   aws.String(region + suffix),
				ZoneId:     aws.String(fmt.Sprintf("%s-az%d", region, i+1)),
				RegionName: aws.String(region),
				State:      ec2types.AvailabilityZoneStateAvailable,
			}
		}),
	}
}

// attrs are the filterable values of one resource keyed by filter name
type attrs map[string][]string

func (a attrs) add(name string, values ...string) attrs {
	a[name] = append(a[name], values...)
	return a
}

func (a attrs) tags(tags []ec2types.Tag) attrs {
	for _, tag := range tags {
		a.add("tag:"+lo.FromPtr(tag.Key), lo.FromPtr(tag.Value))
		a.add("tag-key", lo.FromPtr(tag.Key))
	}
	return a
}

// matches reports whether every filter has at least one matching value. Unknown filter names never match.
func (a attrs) matches(filters []ec2types.Filter) bool {
	for _, filter := range filters {
		values, ok := a[lo.FromPtr(filter.Name)]
		if !ok || !lo.Some(values, filter.Values) {
			return false
		}
	}
	return true
}

func describe[T any](resources map[string]*T, ids []string, filters []ec2types.Filter, attrsOf func(T) attrs, clone func(T) T) []T {
	var out []T
	for _, id := range slices.Sorted(maps.Keys(resources)) {
		resource := *resources[id]
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		if !attrsOf(resource).matches(filters) {
			continue
		}
		out = append(out, clone(resource))
	}
	return out
}

func identity[T any](t T) T { return t }

func tagsFor(specs []ec2types.TagSpecification, resourceType ec2types.ResourceType) []ec2types.Tag {
	for _, spec := range specs {
		if spec.ResourceType == resourceType {
			return slices.Clone(spec.Tags)
		}
	}
	return nil
}

func boolString(b *bool) string {
	return strconv.FormatBool(lo.FromPtr(b))
}

// VPCs returns every VPC
func (e *EC2) VPCs() []ec2types.Vpc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return describe(e.vpcs, nil, nil, vpcAttrs, identity)
}

// DNSAttributes returns the DNS support and DNS hostnames attributes of a VPC
func (e *EC2) DNSAttributes(vpcID string) (support bool, hostnames bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dnsSupport[vpcID], e.dnsHostnames[vpcID]
}

func (e *EC2) Subnets() []ec2types.Subnet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return describe(e.subnets, nil, nil, subnetAttrs, identity)
}

func (e *EC2) InternetGateways() []ec2types.InternetGateway {
	e.mu.Lock()
	defer e.mu.Unlock()
	return describe(e.igws, nil, nil, igwAttrs, cloneIGW)
}

// RouteTables returns every route table, main route tables included
func (e *EC2) RouteTables() []ec2types.RouteTable {
	e.mu.Lock()
	defer e.mu.Unlock()
	return describe(e.routeTables, nil, nil, routeTableAttrs, cloneRouteTable)
}

// Instances returns every instance, terminated ones included
func (e *EC2) Instances() []ec2types.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return describe(e.instances, nil, nil, instanceAttrs, identity)
}

// LaunchInput returns the RunInstances input an instance was launched with
func (e *EC2) LaunchInput(instanceID string) (ec2.RunInstancesInput, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	input, ok := e.launches[instanceID]
	return input, ok
}

// VPCs

func vpcAttrs(vpc ec2types.Vpc) attrs {
	return attrs{}.
		add("vpc-id", lo.FromPtr(vpc.VpcId)).
		add("cidr", lo.FromPtr(vpc.CidrBlock)).
		add("state", string(vpc.State)).
		tags(vpc.Tags)
}

func (e *EC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if err := e.calls.check("DescribeVpcs"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &ec2.DescribeVpcsOutput{Vpcs: describe(e.vpcs, in.VpcIds, in.Filters, vpcAttrs, identity)}, nil
}

func (e *EC2) CreateVpc(_ context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	if err := e.calls.record("CreateVpc"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if lo.FromPtr(in.CidrBlock) == "" {
		return nil, APIError("MissingParameter", "The request must contain the parameter cidrBlock")
	}
	vpc := &ec2types.Vpc{
		VpcId:     aws.String(e.ids.next("vpc")),
		CidrBlock: in.CidrBlock,
		State:     ec2types.VpcStateAvailable,
		Tags:      tagsFor(in.TagSpecifications, ec2types.ResourceTypeVpc),
	}
	e.vpcs[*vpc.VpcId] = vpc
	e.dnsSupport[*vpc.VpcId] = true
	mainRT := e.newRouteTable(*vpc.VpcId, nil)
	mainRT.Associations = []ec2types.RouteTableAssociation{{
		Main:                    aws.Bool(true),
		RouteTableAssociationId: aws.String(e.ids.next("rtbassoc")),
		RouteTableId:            mainRT.RouteTableId,
		AssociationState:        &ec2types.RouteTableAssociationState{State: ec2types.RouteTableAssociationStateCodeAssociated},
	}}
	return &ec2.CreateVpcOutput{Vpc: lo.ToPtr(*vpc)}, nil
}

func (e *EC2) ModifyVpcAttribute(_ context.Context, in *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	if err := e.calls.record("ModifyVpcAttribute"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vpcID := lo.FromPtr(in.VpcId)
	if _, ok := e.vpcs[vpcID]; !ok {
		return nil, APIError("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", vpcID)
	}
	if (in.EnableDnsSupport == nil) == (in.EnableDnsHostnames == nil) {
		return nil, APIError("InvalidParameterCombination", "exactly one attribute may be modified at a time")
	}
	if in.EnableDnsSupport != nil {
		e.dnsSupport[vpcID] = lo.FromPtr(in.EnableDnsSupport.Value)
	}
	if in.EnableDnsHostnames != nil {
		e.dnsHostnames[vpcID] = lo.FromPtr(in.EnableDnsHostnames.Value)
	}
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (e *EC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	if err := e.calls.record("DeleteVpc"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vpcID := lo.FromPtr(in.VpcId)
	if _, ok := e.vpcs[vpcID]; !ok {
		return nil, APIError("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", vpcID)
	}
	dependent := lo.SomeBy(lo.Values(e.subnets), func(s *ec2types.Subnet) bool { return lo.FromPtr(s.VpcId) == vpcID }) ||
		lo.SomeBy(lo.Values(e.igws), func(igw *ec2types.InternetGateway) bool { return attachedTo(*igw, vpcID) }) ||
		lo.SomeBy(lo.Values(e.routeTables), func(rt *ec2types.RouteTable) bool { return lo.FromPtr(rt.VpcId) == vpcID && !isMain(*rt) })
	if dependent {
		return nil, APIError("DependencyViolation", "The vpc '%s' has dependencies and cannot be deleted.", vpcID)
	}
	for id, rt := range e.routeTables {
		if lo.FromPtr(rt.VpcId) == vpcID {
			delete(e.routeTables, id)
		}
	}
	delete(e.vpcs, vpcID)
	return &ec2.DeleteVpcOutput{}, nil
}

// Subnets

func subnetAttrs(subnet ec2types.Subnet) attrs {
	return attrs{}.
		add("subnet-id", lo.FromPtr(subnet.SubnetId)).
		add("vpc-id", lo.FromPtr(subnet.VpcId)).
		add("cidr-block", lo.FromPtr(subnet.CidrBlock)).
		add("availability-zone", lo.FromPtr(subnet.AvailabilityZone)).
		add("map-public-ip-on-launch", boolString(subnet.MapPublicIpOnLaunch)).
		tags(subnet.Tags)
}

func (e *EC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if err := e.calls.check("DescribeSubnets"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &ec2.DescribeSubnetsOutput{Subnets: describe(e.subnets, in.SubnetIds, in.Filters, subnetAttrs, identity)}, nil
}

func (e *EC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	if err := e.calls.record("CreateSubnet"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vpcID := lo.FromPtr(in.VpcId)
	if _, ok := e.vpcs[vpcID]; !ok {
		return nil, APIError("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", vpcID)
	}
	az := lo.FromPtr(in.AvailabilityZone)
	if !lo.ContainsBy(e.zones, func(z ec2types.AvailabilityZone) bool { return lo.FromPtr(z.ZoneName) == az }) {
		return nil, APIError("InvalidParameterValue", "Value (%s) for parameter availabilityZone is invalid.", az)
	}
	subnet := &ec2types.Subnet{
		SubnetId:            aws.String(e.ids.next("subnet")),
		VpcId:               in.VpcId,
		CidrBlock:           in.CidrBlock,
		AvailabilityZone:    in.AvailabilityZone,
		MapPublicIpOnLaunch: aws.Bool(false),
		State:               ec2types.SubnetStateAvailable,
		Tags:                tagsFor(in.TagSpecifications, ec2types.ResourceTypeSubnet),
	}
	e.subnets[*subnet.SubnetId] = subnet
	return &ec2.CreateSubnetOutput{Subnet: lo.ToPtr(*subnet)}, nil
}

func (e *EC2) ModifySubnetAttribute(_ context.Context, in *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	if err := e.calls.record("ModifySubnetAttribute"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	subnet, ok := e.subnets[lo.FromPtr(in.SubnetId)]
	if !ok {
		return nil, APIError("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", lo.FromPtr(in.SubnetId))
	}
	if in.MapPublicIpOnLaunch != nil {
		subnet.MapPublicIpOnLaunch = aws.Bool(lo.FromPtr(in.MapPublicIpOnLaunch.Value))
	}
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (e *EC2) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	if err := e.calls.record("DeleteSubnet"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	subnetID := lo.FromPtr(in.SubnetId)
	if _, ok := e.subnets[subnetID]; !ok {
		return nil, APIError("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", subnetID)
	}
	if lo.SomeBy(lo.Values(e.instances), func(i *ec2types.Instance) bool { return lo.FromPtr(i.SubnetId) == subnetID && live(*i) }) {
		return nil, APIError("DependencyViolation", "The subnet '%s' has dependencies and cannot be deleted.", subnetID)
	}
	for _, rt := range e.routeTables {
		rt.Associations = lo.Reject(rt.Associations, func(a ec2types.RouteTableAssociation, _ int) bool {
			return lo.FromPtr(a.SubnetId) == subnetID
		})
	}
	delete(e.subnets, subnetID)
	return &ec2.DeleteSubnetOutput{}, nil
}

// Internet Gateways

func igwAttrs(igw ec2types.InternetGateway) attrs {
	a := attrs{}.add("internet-gateway-id", lo.FromPtr(igw.InternetGatewayId))
	for _, attachment := range igw.Attachments {
		a.add("attachment.vpc-id", lo.FromPtr(attachment.VpcId))
		a.add("attachment.state", string(attachment.State))
	}
	return a.tags(igw.Tags)
}

func cloneIGW(igw ec2types.InternetGateway) ec2types.InternetGateway {
	igw.Attachments = slices.Clone(igw.Attachments)
	return igw
}

func attachedTo(igw ec2types.InternetGateway, vpcID string) bool {
	return lo.ContainsBy(igw.Attachments, func(a ec2types.InternetGatewayAttachment) bool { return lo.FromPtr(a.VpcId) == vpcID })
}

func (e *EC2) DescribeInternetGateways(_ context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	if err := e.calls.check("DescribeInternetGateways"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &ec2.DescribeInternetGatewaysOutput{
		InternetGateways: describe(e.igws, in.InternetGatewayIds, in.Filters, igwAttrs, cloneIGW),
	}, nil
}

func (e *EC2) CreateInternetGateway(_ context.Context, in *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	if err := e.calls.record("CreateInternetGateway"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	igw := &ec2types.InternetGateway{
		InternetGatewayId: aws.String(e.ids.next("igw")),
		Tags:              tagsFor(in.TagSpecifications, ec2types.ResourceTypeInternetGateway),
	}
	e.igws[*igw.InternetGatewayId] = igw
	return &ec2.CreateInternetGatewayOutput{InternetGateway: lo.ToPtr(cloneIGW(*igw))}, nil
}

func (e *EC2) AttachInternetGateway(_ context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	if err := e.calls.record("AttachInternetGateway"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	igw, ok := e.igws[lo.FromPtr(in.InternetGatewayId)]
	if !ok {
		return nil, APIError("InvalidInternetGatewayID.NotFound", "The internetGateway ID '%s' does not exist", lo.FromPtr(in.InternetGatewayId))
	}
	if _, ok := e.vpcs[lo.FromPtr(in.VpcId)]; !ok {
		return nil, APIError("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", lo.FromPtr(in.VpcId))
	}
	if len(igw.Attachments) > 0 {
		return nil, APIError("Resource.AlreadyAssociated", "resource %s is already attached to network %s",
			lo.FromPtr(igw.InternetGatewayId), lo.FromPtr(igw.Attachments[0].VpcId))
	}
	igw.Attachments = []ec2types.InternetGatewayAttachment{{VpcId: in.VpcId, State: ec2types.AttachmentStatusAttached}}
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (e *EC2) DetachInternetGateway(_ context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	if err := e.calls.record("DetachInternetGateway"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	igw, ok := e.igws[lo.FromPtr(in.InternetGatewayId)]
	if !ok {
		return nil, APIError("InvalidInternetGatewayID.NotFound", "The internetGateway ID '%s' does not exist", lo.FromPtr(in.InternetGatewayId))
	}
	vpcID := lo.FromPtr(in.VpcId)
	if !attachedTo(*igw, vpcID) {
		return nil, APIError("Gateway.NotAttached", "resource %s is not attached to network %s", lo.FromPtr(igw.InternetGatewayId), vpcID)
	}
	if lo.SomeBy(lo.Values(e.instances), func(i *ec2types.Instance) bool {
		return lo.FromPtr(i.VpcId) == vpcID && live(*i) && i.PublicIpAddress != nil
	}) {
		return nil, APIError("DependencyViolation", "Network %s has some mapped public address(es).", vpcID)
	}
	igw.Attachments = nil
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (e *EC2) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	if err := e.calls.record("DeleteInternetGateway"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	igwID := lo.FromPtr(in.InternetGatewayId)
	igw, ok := e.igws[igwID]
	if !ok {
		return nil, APIError("InvalidInternetGatewayID.NotFound", "The internetGateway ID '%s' does not exist", igwID)
	}
	if len(igw.Attachments) > 0 {
		return nil, APIError("DependencyViolation", "The internetGateway '%s' has dependencies and cannot be deleted.", igwID)
	}
	delete(e.igws, igwID)
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

// Route Tables

func routeTableAttrs(rt ec2types.RouteTable) attrs {
	a := attrs{}.
		add("route-table-id", lo.FromPtr(rt.RouteTableId)).
		add("vpc-id", lo.FromPtr(rt.VpcId))
	for _, association := range rt.Associations {
		a.add("association.main", boolString(association.Main))
		if association.SubnetId != nil {
			a.add("association.subnet-id", *association.SubnetId)
		}
	}
	for _, route := range rt.Routes {
		a.add("route.destination-cidr-block", lo.FromPtr(route.DestinationCidrBlock))
		if route.GatewayId != nil {
			a.add("route.gateway-id", *route.GatewayId)
		}
	}
	return a.tags(rt.Tags)
}

func cloneRouteTable(rt ec2types.RouteTable) ec2types.RouteTable {
	rt.Routes = slices.Clone(rt.Routes)
	rt.Associations = slices.Clone(rt.Associations)
	return rt
}

func isMain(rt ec2types.RouteTable) bool {
	return lo.ContainsBy(rt.Associations, func(a ec2types.RouteTableAssociation) bool { return lo.FromPtr(a.Main) })
}

// newRouteTable stores a route table holding the VPC's local route. Callers hold e.mu.
func (e *EC2) newRouteTable(vpcID string, tags []ec2types.Tag) *ec2types.RouteTable {
	rt := &ec2types.RouteTable{
		RouteTableId: aws.String(e.ids.next("rtb")),
		VpcId:        aws.String(vpcID),
		Routes: []ec2types.Route{{
			DestinationCidrBlock: e.vpcs[vpcID].CidrBlock,
			GatewayId:            aws.String("local"),
			Origin:               ec2types.RouteOriginCreateRouteTable,
			State:                ec2types.RouteStateActive,
		}},
		Tags: tags,
	}
	e.routeTables[*rt.RouteTableId] = rt
	return rt
}

func (e *EC2) DescribeRouteTables(_ context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	if err := e.calls.check("DescribeRouteTables"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &ec2.DescribeRouteTablesOutput{
		RouteTables: describe(e.routeTables, in.RouteTableIds, in.Filters, routeTableAttrs, cloneRouteTable),
	}, nil
}

func (e *EC2) CreateRouteTable(_ context.Context, in *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	if err := e.calls.record("CreateRouteTable"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vpcID := lo.FromPtr(in.VpcId)
	if _, ok := e.vpcs[vpcID]; !ok {
		return nil, APIError("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", vpcID)
	}
	rt := e.newRouteTable(vpcID, tagsFor(in.TagSpecifications, ec2types.ResourceTypeRouteTable))
	return &ec2.CreateRouteTableOutput{RouteTable: lo.ToPtr(cloneRouteTable(*rt))}, nil
}

func (e *EC2) CreateRoute(_ context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	if err := e.calls.record("CreateRoute"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.routeTables[lo.FromPtr(in.RouteTableId)]
	if !ok {
		return nil, APIError("InvalidRouteTableID.NotFound", "The routeTable ID '%s' does not exist", lo.FromPtr(in.RouteTableId))
	}
	destination := lo.FromPtr(in.DestinationCidrBlock)
	if lo.ContainsBy(rt.Routes, func(r ec2types.Route) bool { return lo.FromPtr(r.DestinationCidrBlock) == destination }) {
		return nil, APIError("RouteAlreadyExists", "The route identified by %s already exists.", destination)
	}
	if _, ok := e.igws[lo.FromPtr(in.GatewayId)]; !ok {
		return nil, APIError("InvalidInternetGatewayID.NotFound", "The internetGateway ID '%s' does not exist", lo.FromPtr(in.GatewayId))
	}
	rt.Routes = append(rt.Routes, ec2types.Route{
		DestinationCidrBlock: in.DestinationCidrBlock,
		GatewayId:            in.GatewayId,
		Origin:               ec2types.RouteOriginCreateRoute,
		State:                ec2types.RouteStateActive,
	})
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (e *EC2) DeleteRoute(_ context.Context, in *ec2.DeleteRouteInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error) {
	if err := e.calls.record("DeleteRoute"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.routeTables[lo.FromPtr(in.RouteTableId)]
	if !ok {
		return nil, APIError("InvalidRouteTableID.NotFound", "The routeTable ID '%s' does not exist", lo.FromPtr(in.RouteTableId))
	}
	destination := lo.FromPtr(in.DestinationCidrBlock)
	index := slices.IndexFunc(rt.Routes, func(r ec2types.Route) bool { return lo.FromPtr(r.DestinationCidrBlock) == destination })
	if index < 0 {
		return nil, APIError("InvalidRoute.NotFound", "no route with destination-cidr-block %s in route table %s", destination, lo.FromPtr(rt.RouteTableId))
	}
	rt.Routes = slices.Delete(rt.Routes, index, index+1)
	return &ec2.DeleteRouteOutput{}, nil
}

func (e *EC2) AssociateRouteTable(_ context.Context, in *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	if err := e.calls.record("AssociateRouteTable"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.routeTables[lo.FromPtr(in.RouteTableId)]
	if !ok {
		return nil, APIError("InvalidRouteTableID.NotFound", "The routeTable ID '%s' does not exist", lo.FromPtr(in.RouteTableId))
	}
	subnetID := lo.FromPtr(in.SubnetId)
	if _, ok := e.subnets[subnetID]; !ok {
		return nil, APIError("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", subnetID)
	}
	for _, other := range e.routeTables {
		if lo.ContainsBy(other.Associations, func(a ec2types.RouteTableAssociation) bool { return lo.FromPtr(a.SubnetId) == subnetID }) {
			return nil, APIError("Resource.AlreadyAssociated", "the specified association for route table %s conflicts with an existing association",
				lo.FromPtr(other.RouteTableId))
		}
	}
	association := ec2types.RouteTableAssociation{
		Main:                    aws.Bool(false),
		RouteTableAssociationId: aws.String(e.ids.next("rtbassoc")),
		RouteTableId:            rt.RouteTableId,
		SubnetId:                in.SubnetId,
		AssociationState:        &ec2types.RouteTableAssociationState{State: ec2types.RouteTableAssociationStateCodeAssociated},
	}
	rt.Associations = append(rt.Associations, association)
	return &ec2.AssociateRouteTableOutput{
		AssociationId:    association.RouteTableAssociationId,
		AssociationState: association.AssociationState,
	}, nil
}

func (e *EC2) DisassociateRouteTable(_ context.Context, in *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	if err := e.calls.record("DisassociateRouteTable"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	associationID := lo.FromPtr(in.AssociationId)
	for _, rt := range e.routeTables {
		index := slices.IndexFunc(rt.Associations, func(a ec2types.RouteTableAssociation) bool {
			return lo.FromPtr(a.RouteTableAssociationId) == associationID
		})
		if index < 0 {
			continue
		}
		if lo.FromPtr(rt.Associations[index].Main) {
			return nil, APIError("InvalidParameterValue", "cannot disassociate the main route table association %s", associationID)
		}
		rt.Associations = slices.Delete(rt.Associations, index, index+1)
		return &ec2.DisassociateRouteTableOutput{}, nil
	}
	return nil, APIError("InvalidAssociationID.NotFound", "The association ID '%s' does not exist", associationID)
}

func (e *EC2) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	if err := e.calls.record("DeleteRouteTable"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rtID := lo.FromPtr(in.RouteTableId)
	rt, ok := e.routeTables[rtID]
	if !ok {
		return nil, APIError("InvalidRouteTableID.NotFound", "The routeTable ID '%s' does not exist", rtID)
	}
	if len(rt.Associations) > 0 {
		return nil, APIError("DependencyViolation", "The routeTable '%s' has dependencies and cannot be deleted.", rtID)
	}
	delete(e.routeTables, rtID)
	return &ec2.DeleteRouteTableOutput{}, nil
}

// Availability Zones and Images

func (e *EC2) DescribeAvailabilityZones(_ context.Context, in *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	if err := e.calls.check("DescribeAvailabilityZones"); err != nil {
		return nil, err
	}
	zones := lo.Filter(e.zones, func(z ec2types.AvailabilityZone, _ int) bool {
		if len(in.ZoneNames) > 0 && !slices.Contains(in.ZoneNames, lo.FromPtr(z.ZoneName)) {
			return false
		}
		return attrs{}.
			add("zone-name", lo.FromPtr(z.ZoneName)).
			add("zone-id", lo.FromPtr(z.ZoneId)).
			add("region-name", lo.FromPtr(z.RegionName)).
			add("state", string(z.State)).
			matches(in.Filters)
	})
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: zones}, nil
}

func (e *EC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if err := e.calls.check("DescribeImages"); err != nil {
		return nil, err
	}
	images := lo.Filter(e.images, func(image ec2types.Image, _ int) bool {
		if len(in.ImageIds) > 0 && !slices.Contains(in.ImageIds, lo.FromPtr(image.ImageId)) {
			return false
		}
		return attrs{}.
			add("image-id", lo.FromPtr(image.ImageId)).
			add("name", lo.FromPtr(image.Name)).
			add("owner-alias", lo.FromPtr(image.ImageOwnerAlias)).
			add("owner-id", lo.FromPtr(image.OwnerId)).
			add("architecture", string(image.Architecture)).
			add("state", string(image.State)).
			tags(image.Tags).
			matches(in.Filters)
	})
	return &ec2.DescribeImagesOutput{Images: images}, nil
}

// Instances

func instanceAttrs(instance ec2types.Instance) attrs {
	return attrs{}.
		add("instance-id", lo.FromPtr(instance.InstanceId)).
		add("instance-state-name", string(instance.State.Name)).
		add("instance-type", string(instance.InstanceType)).
		add("subnet-id", lo.FromPtr(instance.SubnetId)).
		add("vpc-id", lo.FromPtr(instance.VpcId)).
		add("image-id", lo.FromPtr(instance.ImageId)).
		tags(instance.Tags)
}

func live(instance ec2types.Instance) bool {
	return instance.State.Name != ec2types.InstanceStateNameTerminated
}

func (e *EC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if err := e.calls.check("DescribeInstances"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range in.InstanceIds {
		if _, ok := e.instances[id]; !ok {
			return nil, APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
		}
	}
	found := describe(e.instances, in.InstanceIds, in.Filters, instanceAttrs, identity)
	return &ec2.DescribeInstancesOutput{
		Reservations: lo.Map(found, func(instance ec2types.Instance, _ int) ec2types.Reservation {
			return ec2types.Reservation{Instances: []ec2types.Instance{instance}}
		}),
	}, nil
}

func (e *EC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if err := e.calls.record("RunInstances"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !lo.ContainsBy(e.images, func(image ec2types.Image) bool { return lo.FromPtr(image.ImageId) == lo.FromPtr(in.ImageId) }) {
		return nil, APIError("InvalidAMIID.NotFound", "The image id '[%s]' does not exist", lo.FromPtr(in.ImageId))
	}
	subnet, ok := e.subnets[lo.FromPtr(in.SubnetId)]
	if !ok {
		return nil, APIError("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", lo.FromPtr(in.SubnetId))
	}
	var profileARN string
	if in.IamInstanceProfile != nil {
		profileARN = lo.FromPtr(in.IamInstanceProfile.Arn)
		if e.ProfileExists != nil && !e.ProfileExists(profileARN) {
			return nil, APIError("InvalidParameterValue", "Value (%s) for parameter iamInstanceProfile.arn is invalid. Invalid IAM Instance Profile ARN", profileARN)
		}
	}
	instance := &ec2types.Instance{
		InstanceId:   aws.String(e.ids.next("i")),
		ImageId:      in.ImageId,
		InstanceType: in.InstanceType,
		SubnetId:     subnet.SubnetId,
		VpcId:        subnet.VpcId,
		Placement:    &ec2types.Placement{AvailabilityZone: subnet.AvailabilityZone},
		State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning, Code: aws.Int32(16)},
		Tags:         tagsFor(in.TagSpecifications, ec2types.ResourceTypeInstance),
	}
	if profileARN != "" {
		instance.IamInstanceProfile = &ec2types.IamInstanceProfile{Arn: aws.String(profileARN)}
	}
	if lo.FromPtr(subnet.MapPublicIpOnLaunch) {
		e.publicIPs++
		instance.PublicIpAddress = aws.String(fmt.Sprintf("54.0.%d.%d", e.publicIPs/256, e.publicIPs%256))
	}
	e.instances[*instance.InstanceId] = instance
	e.launches[*instance.InstanceId] = *in
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{*instance}}, nil
}

func (e *EC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if err := e.calls.record("TerminateInstances"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := &ec2.TerminateInstancesOutput{}
	for _, id := range in.InstanceIds {
		instance, ok := e.instances[id]
		if !ok {
			return nil, APIError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
		}
		previous := *instance.State
		instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated, Code: aws.Int32(48)}
		instance.PublicIpAddress = nil
		out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
			InstanceId:    aws.String(id),
			PreviousState: &previous,
			CurrentState:  instance.State,
		})
	}
	return out, nil
}
