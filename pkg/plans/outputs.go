package plans

import (
	"github.com/samber/lo"
)

// Outputs are the identifiers a deployment exports
type Outputs struct {
	VPCID              string `json:"vpc_id" table:"VPC ID"`
	PublicSubnetID     string `json:"public_subnet_id" table:"Public Subnet ID"`
	PrivateSubnetID    string `json:"private_subnet_id" table:"Private Subnet ID"`
	InstanceID         string `json:"instance_id" table:"Instance ID"`
	PublicIP           string `json:"public_ip" table:"Public IP"`
	InstanceProfileARN string `json:"instance_profile_arn" table:"Instance Profile ARN,wide"`
	RoleARN            string `json:"role_arn" table:"Role ARN,wide"`
	AccountID          string `json:"account_id" table:"Account ID,wide"`
}

// Outputs collects the exported identifiers from the status
func (s DeploymentStatus) Outputs() Outputs {
	return Outputs{
		VPCID:              lo.FromPtr(s.VPC.VpcId),
		PublicSubnetID:     lo.FromPtr(s.PublicSubnet.SubnetId),
		PrivateSubnetID:    lo.FromPtr(s.PrivateSubnet.SubnetId),
		InstanceID:         lo.FromPtr(s.Instance.InstanceId),
		PublicIP:           lo.FromPtr(s.Instance.PublicIpAddress),
		InstanceProfileARN: lo.FromPtr(s.InstanceProfile.Arn),
		RoleARN:            lo.FromPtr(s.Role.Arn),
		AccountID:          s.Account,
	}
}
