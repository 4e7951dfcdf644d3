package plans

import (
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/providers/routetables"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
)

type DeletionPlan struct {
	Metadata DeletionMetadata
	Spec     DeletionSpec
	Status   DeletionStatus
}

type DeletionMetadata struct {
	Namespace string
	Name      string
}

// DeletionSpec lists the resources owned by a deployment, in the order they are deleted
type DeletionSpec struct {
	Instances        []instances.Instance
	InstanceProfiles []roles.InstanceProfile
	Roles            []roles.Role
	RouteTables      []routetables.RouteTable
	InternetGateways []igws.InternetGateway
	Subnets          []subnets.Subnet
	VPCs             []vpcs.VPC
}

// Empty reports whether nothing was found to delete
func (s DeletionSpec) Empty() bool {
	return len(s.Instances)+len(s.InstanceProfiles)+len(s.Roles)+len(s.RouteTables)+
		len(s.InternetGateways)+len(s.Subnets)+len(s.VPCs) == 0
}

type DeletionStatus struct {
	// Deletion status maps a resource-id to a bool representing that the resource has been deleted.
	Instances        map[string]bool
	InstanceProfiles map[string]bool
	Roles            map[string]bool
	RouteTables      map[string]bool
	InternetGateways map[string]bool
	Subnets          map[string]bool
	VPCs             map[string]bool
}

func NewDeletionStatus() DeletionStatus {
	return DeletionStatus{
		Instances:        map[string]bool{},
		InstanceProfiles: map[string]bool{},
		Roles:            map[string]bool{},
		RouteTables:      map[string]bool{},
		InternetGateways: map[string]bool{},
		Subnets:          map[string]bool{},
		VPCs:             map[string]bool{},
	}
}
