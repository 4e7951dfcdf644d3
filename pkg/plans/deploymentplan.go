package plans

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/bwagner5/vllmhost/pkg/bytesize"
	"github.com/bwagner5/vllmhost/pkg/providers/amis"
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/instancetypes"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/providers/routetables"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
	"github.com/bwagner5/vllmhost/pkg/userdata"
)

var ErrInvalidSpec = errors.New("invalid deployment spec")

// DeploymentPlan is the desired state of one inference host and, once applied, what was found or created for it
type DeploymentPlan struct {
	Metadata DeploymentMetadata
	Spec     DeploymentSpec
	Status   DeploymentStatus
}

type DeploymentMetadata struct {
	Namespace string
	Name      string
}

type DeploymentSpec struct {
	Region   string
	Network  NetworkSpec
	Identity IdentitySpec
	Instance InstanceSpec
	UserData UserDataSpec
}

type NetworkSpec struct {
	CIDR               string
	EnableDNSHostnames bool
	EnableDNSSupport   bool
	PublicSubnet       SubnetSpec
	PrivateSubnet      SubnetSpec
}

type SubnetSpec struct {
	CIDR string
	AZ   string
}

type IdentitySpec struct {
	PolicyARN string
}

type InstanceSpec struct {
	InstanceType          string
	InstanceTypeSelectors []instancetypes.Selector
	AMISelectors          []amis.Selector
	RootVolumeSize        bytesize.ByteSize
	RootVolumeType        string
	DeleteOnTermination   bool
}

// UserDataSpec picks the user data variant. A File is used verbatim, otherwise Values are rendered into the bootstrap script.
// Values may hold secret references that are resolved at apply time.
type UserDataSpec struct {
	File   string
	Values userdata.Values
}

// Action is what apply does to a resource
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionNoop    Action = "noop"
)

// Resource names used in Changes
const (
	ResourceVPC                   = "vpc"
	ResourcePublicSubnet          = "public-subnet"
	ResourcePrivateSubnet         = "private-subnet"
	ResourceInternetGateway       = "internet-gateway"
	ResourcePublicRouteTable      = "public-route-table"
	ResourceDefaultRoute          = "default-route"
	ResourceRouteTableAssociation = "route-table-association"
	ResourceRole                  = "iam-role"
	ResourceRolePolicyAttachment  = "role-policy-attachment"
	ResourceInstanceProfile       = "instance-profile"
	ResourceInstanceProfileRole   = "instance-profile-role"
	ResourceInstance              = "instance"
)

// Change records what apply did, or in a dry run would do, to one resource
type Change struct {
	Resource string `json:"resource" table:"Resource"`
	ID       string `json:"id,omitempty" table:"ID"`
	Action   Action `json:"action" table:"Action"`
}

type DeploymentStatus struct {
	Account          string
	VPC              vpcs.VPC
	PublicSubnet     subnets.Subnet
	PrivateSubnet    subnets.Subnet
	InternetGateway  igws.InternetGateway
	PublicRouteTable routetables.RouteTable
	Role             roles.Role
	InstanceProfile  roles.InstanceProfile
	AMI              amis.AMI
	InstanceType     instancetypes.InstanceType
	Instance         instances.Instance
	// Changes are in the order apply walks the resources
	Changes []Change
}

// Record appends a change
func (s *DeploymentStatus) Record(resource, id string, action Action) {
	s.Changes = append(s.Changes, Change{Resource: resource, ID: id, Action: action})
}

// HasChanges reports whether any change is not a noop
func (s DeploymentStatus) HasChanges() bool {
	for _, c := range s.Changes {
		if c.Action != ActionNoop {
			return true
		}
	}
	return false
}

// Validate checks the spec without calling AWS
func (s DeploymentSpec) Validate() error {
	var errs []error
	if s.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	errs = append(errs, s.Network.validate()...)
	if s.Identity.PolicyARN == "" {
		errs = append(errs, errors.New("instance role policy arn is required"))
	}
	if s.Instance.InstanceType == "" {
		errs = append(errs, errors.New("instance type is required"))
	}
	if len(s.Instance.AMISelectors) == 0 {
		errs = append(errs, errors.New("at least one ami selector is required"))
	}
	if s.Instance.RootVolumeSize.VolumeGiB() < 1 {
		errs = append(errs, errors.New("root volume size must be at least 1GiB"))
	}
	if s.UserData.File == "" {
		if err := s.UserData.Values.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
}

func (n NetworkSpec) validate() []error {
	vpcPrefix, err := netip.ParsePrefix(n.CIDR)
	if err != nil {
		return []error{fmt.Errorf("invalid vpc cidr %q: %w", n.CIDR, err)}
	}
	var errs []error
	var subnetPrefixes []netip.Prefix
	for _, subnet := range []struct {
		name string
		spec SubnetSpec
	}{{"public", n.PublicSubnet}, {"private", n.PrivateSubnet}} {
		prefix, err := netip.ParsePrefix(subnet.spec.CIDR)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s subnet cidr %q: %w", subnet.name, subnet.spec.CIDR, err))
			continue
		}
		if prefix.Bits() < vpcPrefix.Bits() || !vpcPrefix.Contains(prefix.Addr()) {
			errs = append(errs, fmt.Errorf("%s subnet cidr %s is not inside vpc cidr %s", subnet.name, prefix, vpcPrefix))
		}
		if prefix.Masked() != prefix {
			errs = append(errs, fmt.Errorf("%s subnet cidr %s has host bits set", subnet.name, prefix))
		}
		if strings.TrimSpace(subnet.spec.AZ) == "" {
			errs = append(errs, fmt.Errorf("%s subnet availability zone is required", subnet.name))
		}
		subnetPrefixes = append(subnetPrefixes, prefix)
	}
	if len(subnetPrefixes) == 2 && subnetPrefixes[0].Overlaps(subnetPrefixes[1]) {
		errs = append(errs, fmt.Errorf("subnet cidrs %s and %s overlap", subnetPrefixes[0], subnetPrefixes[1]))
	}
	if n.PublicSubnet.AZ != "" && n.PublicSubnet.AZ == n.PrivateSubnet.AZ {
		errs = append(errs, fmt.Errorf("public and private subnets must be in different availability zones, both are in %s", n.PublicSubnet.AZ))
	}
	return errs
}
