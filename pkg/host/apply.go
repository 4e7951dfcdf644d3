package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
	"github.com/bwagner5/vllmhost/pkg/providers/amis"
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/instancetypes"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/providers/routetables"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
	"github.com/bwagner5/vllmhost/pkg/userdata"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// Apply converges AWS onto the plan's spec. Existing resources are found by their tags and only missing ones are created.
// With dryRun nothing is mutated and plan.Status.Changes lists what would happen.
// Everything that can fail without touching AWS (spec validation, secrets, AMI and instance type lookups) runs first.
func (h AWSHost) Apply(ctx context.Context, dryRun bool, plan plans.DeploymentPlan) (plans.DeploymentPlan, error) {
	log := logging.FromContext(ctx)
	log.Debug("Executing Deployment Plan", "dry-run", dryRun)
	plan.Status = plans.DeploymentStatus{}

	if err := plan.Spec.Validate(); err != nil {
		return plan, err
	}

	log.Debug("Resolving caller identity")
	identity, err := h.identityWatcher.Resolve(ctx)
	if err != nil {
		return plan, err
	}
	plan.Status.Account = identity.Account

	log.Debug("Validating availability zones")
	network := plan.Spec.Network
	missing, err := h.azWatcher.Missing(ctx, plan.Spec.Region, network.PublicSubnet.AZ, network.PrivateSubnet.AZ)
	if err != nil {
		return plan, err
	}
	if len(missing) > 0 {
		return plan, fmt.Errorf("%w: availability zones %v are not available in %s", plans.ErrInvalidSpec, missing, plan.Spec.Region)
	}

	log.Debug("Validating instance type", "instance-type", plan.Spec.Instance.InstanceType)
	instanceType, err := h.instanceTypeWatcher.Validate(ctx, plan.Spec.Instance.InstanceType, plan.Spec.Instance.InstanceTypeSelectors)
	if err != nil {
		return plan, err
	}
	plan.Status.InstanceType = *instanceType

	log.Debug("Resolving AMI")
	ami, err := h.resolveAMI(ctx, plan.Spec.Instance.AMISelectors, *instanceType)
	if err != nil {
		return plan, err
	}
	plan.Status.AMI = *ami

	log.Debug("Rendering user data")
	script, _, err := h.UserData(ctx, plan.Spec.UserData)
	if err != nil {
		return plan, err
	}

	publicSubnetID, err := h.applyNetwork(ctx, dryRun, &plan)
	if err != nil {
		return plan, err
	}
	profileARN, err := h.applyIdentity(ctx, dryRun, &plan)
	if err != nil {
		return plan, err
	}
	if err := h.applyInstance(ctx, dryRun, &plan, publicSubnetID, profileARN, script); err != nil {
		return plan, err
	}
	log.Debug("Completed Deployment Plan Execution Successfully", "changes", plan.Status.HasChanges())
	return plan, nil
}

// UserData returns the user data script for spec and the secret values it contains
func (h AWSHost) UserData(ctx context.Context, spec plans.UserDataSpec) (string, []string, error) {
	if spec.File != "" {
		script, err := userdata.FromFile(spec.File)
		return script, nil, err
	}
	values, err := spec.Values.Map(ctx, h.secretResolver.Resolve)
	if err != nil {
		return "", nil, err
	}
	script, err := userdata.Render(values)
	if err != nil {
		return "", nil, err
	}
	return script, values.Secrets(), nil
}

func (h AWSHost) resolveAMI(ctx context.Context, selectors []amis.Selector, instanceType instancetypes.InstanceType) (*amis.AMI, error) {
	found, err := h.amiWatcher.Resolve(ctx, selectors)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no ami matched the selectors", ErrNotFound)
	}
	compatible := lo.Filter(found, func(ami amis.AMI, _ int) bool {
		return slices.Contains(instanceType.Architectures(), string(ami.Architecture))
	})
	ami, ok := amis.Newest(compatible, "")
	if !ok {
		return nil, fmt.Errorf("%w: no ami matches the %v architectures of %s", ErrNotFound, instanceType.Architectures(), instanceType.InstanceType)
	}
	return &ami, nil
}

// applyNetwork converges the VPC, both subnets, the internet gateway, and the public route table.
// It returns the public subnet id, which is empty in a dry run when the subnet does not exist yet.
func (h AWSHost) applyNetwork(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan) (string, error) {
	log := logging.FromContext(ctx)
	ns, name := plan.Metadata.Namespace, plan.Metadata.Name
	spec := plan.Spec.Network

	log.Debug("Resolving VPC")
	found, err := h.vpcWatcher.Resolve(ctx, []vpcs.Selector{{Tags: tagutils.ComponentTags(ns, name, tagutils.ComponentVPC)}})
	if err != nil {
		return "", err
	}
	vpc, err := single(plans.ResourceVPC, found)
	if err != nil {
		return "", err
	}
	switch {
	case vpc != nil:
		if lo.FromPtr(vpc.CidrBlock) != spec.CIDR {
			return "", fmt.Errorf("%w: vpc %s has cidr %s, want %s", ErrDrift, lo.FromPtr(vpc.VpcId), lo.FromPtr(vpc.CidrBlock), spec.CIDR)
		}
		plan.Status.Record(plans.ResourceVPC, lo.FromPtr(vpc.VpcId), plans.ActionNoop)
	case dryRun:
		plan.Status.Record(plans.ResourceVPC, "", plans.ActionCreate)
	default:
		log.Debug("Creating VPC", "cidr", spec.CIDR)
		vpc, err = h.vpcWatcher.Create(ctx, vpcs.CreateOptions{
			CIDR:               spec.CIDR,
			EnableDNSHostnames: spec.EnableDNSHostnames,
			EnableDNSSupport:   spec.EnableDNSSupport,
			Tags:               tagutils.ComponentTags(ns, name, tagutils.ComponentVPC),
		})
		if vpc != nil {
			plan.Status.Record(plans.ResourceVPC, lo.FromPtr(vpc.VpcId), plans.ActionCreate)
		}
		if err != nil {
			return "", err
		}
	}
	var vpcID string
	if vpc != nil {
		plan.Status.VPC = *vpc
		vpcID = lo.FromPtr(vpc.VpcId)
	}

	publicSubnet, err := h.applySubnet(ctx, dryRun, plan, vpcID, true)
	if err != nil {
		return "", err
	}
	if _, err := h.applySubnet(ctx, dryRun, plan, vpcID, false); err != nil {
		return "", err
	}
	igw, err := h.applyInternetGateway(ctx, dryRun, plan, vpcID)
	if err != nil {
		return "", err
	}
	var publicSubnetID, igwID string
	if publicSubnet != nil {
		publicSubnetID = lo.FromPtr(publicSubnet.SubnetId)
	}
	if igw != nil {
		igwID = lo.FromPtr(igw.InternetGatewayId)
	}
	if err := h.applyPublicRouteTable(ctx, dryRun, plan, vpcID, publicSubnetID, igwID); err != nil {
		return "", err
	}
	return publicSubnetID, nil
}

func (h AWSHost) applySubnet(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan, vpcID string, public bool) (*subnets.Subnet, error) {
	ns, name := plan.Metadata.Namespace, plan.Metadata.Name
	resource, component, spec := plans.ResourcePrivateSubnet, tagutils.ComponentPrivateSubnet, plan.Spec.Network.PrivateSubnet
	if public {
		resource, component, spec = plans.ResourcePublicSubnet, tagutils.ComponentPublicSubnet, plan.Spec.Network.PublicSubnet
	}
	tags := tagutils.ComponentTags(ns, name, component)

	var subnet *subnets.Subnet
	if vpcID != "" {
		found, err := h.subnetWatcher.Resolve(ctx, []subnets.Selector{{Tags: tags, VPCID: vpcID}})
		if err != nil {
			return nil, err
		}
		if subnet, err = single(resource, found); err != nil {
			return nil, err
		}
	}
	switch {
	case subnet != nil:
		id := lo.FromPtr(subnet.SubnetId)
		if lo.FromPtr(subnet.CidrBlock) != spec.CIDR || lo.FromPtr(subnet.AvailabilityZone) != spec.AZ {
			return nil, fmt.Errorf("%w: %s %s is %s in %s, want %s in %s", ErrDrift, resource, id,
				lo.FromPtr(subnet.CidrBlock), lo.FromPtr(subnet.AvailabilityZone), spec.CIDR, spec.AZ)
		}
		if subnet.Public() == public {
			plan.Status.Record(resource, id, plans.ActionNoop)
			break
		}
		plan.Status.Record(resource, id, plans.ActionUpdate)
		if !dryRun {
			if err := h.subnetWatcher.SetMapPublicIP(ctx, subnet, public); err != nil {
				return nil, err
			}
		}
	case dryRun:
		plan.Status.Record(resource, "", plans.ActionCreate)
		return nil, nil
	default:
		logging.FromContext(ctx).Debug("Creating subnet", "resource", resource, "cidr", spec.CIDR, "az", spec.AZ)
		created, err := h.subnetWatcher.Create(ctx, subnets.CreateOptions{
			VPCID:  vpcID,
			CIDR:   spec.CIDR,
			AZ:     spec.AZ,
			Public: public,
			Tags:   tags,
		})
		if created != nil {
			plan.Status.Record(resource, lo.FromPtr(created.SubnetId), plans.ActionCreate)
		}
		if err != nil {
			return nil, err
		}
		subnet = created
	}
	if public {
		plan.Status.PublicSubnet = *subnet
	} else {
		plan.Status.PrivateSubnet = *subnet
	}
	return subnet, nil
}

func (h AWSHost) applyInternetGateway(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan, vpcID string) (*igws.InternetGateway, error) {
	tags := tagutils.ComponentTags(plan.Metadata.Namespace, plan.Metadata.Name, tagutils.ComponentIGW)
	found, err := h.igwWatcher.Resolve(ctx, []igws.Selector{{Tags: tags}})
	if err != nil {
		return nil, err
	}
	igw, err := single(plans.ResourceInternetGateway, found)
	if err != nil {
		return nil, err
	}
	switch {
	case igw != nil:
		id := lo.FromPtr(igw.InternetGatewayId)
		if vpcID != "" && igw.AttachedTo(vpcID) {
			plan.Status.Record(plans.ResourceInternetGateway, id, plans.ActionNoop)
			break
		}
		if len(igw.Attachments) > 0 {
			return nil, fmt.Errorf("%w: internet gateway %s is attached to another vpc", ErrDrift, id)
		}
		plan.Status.Record(plans.ResourceInternetGateway, id, plans.ActionUpdate)
		if !dryRun {
			if err := h.igwWatcher.Attach(ctx, igw, vpcID); err != nil {
				return nil, err
			}
		}
	case dryRun:
		plan.Status.Record(plans.ResourceInternetGateway, "", plans.ActionCreate)
		return nil, nil
	default:
		logging.FromContext(ctx).Debug("Creating Internet Gateway")
		igw, err = h.igwWatcher.Create(ctx, vpcID, tags)
		if igw != nil {
			plan.Status.Record(plans.ResourceInternetGateway, lo.FromPtr(igw.InternetGatewayId), plans.ActionCreate)
		}
		if err != nil {
			return nil, err
		}
	}
	plan.Status.InternetGateway = *igw
	return igw, nil
}

// applyPublicRouteTable converges the public route table so it holds exactly one catch-all route to igwID
// and is associated with the public subnet.
func (h AWSHost) applyPublicRouteTable(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan, vpcID, publicSubnetID, igwID string) error {
	log := logging.FromContext(ctx)
	tags := tagutils.ComponentTags(plan.Metadata.Namespace, plan.Metadata.Name, tagutils.ComponentPublicRT)

	var rt *routetables.RouteTable
	if vpcID != "" {
		found, err := h.routeTableWatcher.Resolve(ctx, []routetables.Selector{{Tags: tags, VPCID: vpcID}})
		if err != nil {
			return err
		}
		if rt, err = single(plans.ResourcePublicRouteTable, found); err != nil {
			return err
		}
	}
	switch {
	case rt != nil:
		plan.Status.Record(plans.ResourcePublicRouteTable, lo.FromPtr(rt.RouteTableId), plans.ActionNoop)
	case dryRun:
		plan.Status.Record(plans.ResourcePublicRouteTable, "", plans.ActionCreate)
		plan.Status.Record(plans.ResourceDefaultRoute, "", plans.ActionCreate)
		plan.Status.Record(plans.ResourceRouteTableAssociation, "", plans.ActionCreate)
		return nil
	default:
		log.Debug("Creating public route table")
		created, err := h.routeTableWatcher.Create(ctx, vpcID, tags)
		if err != nil {
			return err
		}
		rt = created
		plan.Status.Record(plans.ResourcePublicRouteTable, lo.FromPtr(rt.RouteTableId), plans.ActionCreate)
	}

	catchAll := rt.CatchAllRoutes()
	switch {
	case len(catchAll) == 1 && igwID != "" && lo.FromPtr(catchAll[0].GatewayId) == igwID:
		plan.Status.Record(plans.ResourceDefaultRoute, igwID, plans.ActionNoop)
	case len(catchAll) == 0:
		plan.Status.Record(plans.ResourceDefaultRoute, igwID, plans.ActionCreate)
		if !dryRun {
			if err := h.routeTableWatcher.CreateDefaultRoute(ctx, rt, igwID); err != nil {
				return err
			}
		}
	default:
		// the catch-all points somewhere other than this deployment's gateway
		plan.Status.Record(plans.ResourceDefaultRoute, igwID, plans.ActionReplace)
		if !dryRun {
			if err := h.routeTableWatcher.DeleteRoute(ctx, rt, routetables.CatchAllCIDR); err != nil {
				return err
			}
			if err := h.routeTableWatcher.CreateDefaultRoute(ctx, rt, igwID); err != nil {
				return err
			}
		}
	}

	if association, ok := rt.Association(publicSubnetID); ok && publicSubnetID != "" {
		plan.Status.Record(plans.ResourceRouteTableAssociation, lo.FromPtr(association.RouteTableAssociationId), plans.ActionNoop)
	} else {
		if dryRun {
			plan.Status.Record(plans.ResourceRouteTableAssociation, "", plans.ActionCreate)
		} else {
			associationID, err := h.routeTableWatcher.Associate(ctx, rt, publicSubnetID)
			if err != nil {
				return err
			}
			plan.Status.Record(plans.ResourceRouteTableAssociation, associationID, plans.ActionCreate)
		}
	}
	plan.Status.PublicRouteTable = *rt
	return nil
}

// applyIdentity converges the role, its policy attachment, and the instance profile wrapping it.
// A role or profile under the derived name that is not tagged for this deployment is never adopted.
// It returns the instance profile ARN, which is empty in a dry run when the profile does not exist yet.
func (h AWSHost) applyIdentity(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan) (string, error) {
	log := logging.FromContext(ctx)
	ns, name := plan.Metadata.Namespace, plan.Metadata.Name
	roleName, profileName := roles.Names(ns, name)
	policyARN := plan.Spec.Identity.PolicyARN

	log.Debug("Resolving IAM role", "role", roleName)
	role, err := h.roleWatcher.GetRole(ctx, roleName)
	if err != nil {
		return "", err
	}
	switch {
	case role != nil:
		if !role.OwnedBy(ns, name) {
			return "", fmt.Errorf("%w: IAM role %s", ErrNotOwned, roleName)
		}
		plan.Status.Record(plans.ResourceRole, lo.FromPtr(role.Arn), plans.ActionNoop)
	case dryRun:
		plan.Status.Record(plans.ResourceRole, roleName, plans.ActionCreate)
	default:
		if role, err = h.roleWatcher.CreateRole(ctx, roleName, tagutils.ComponentTags(ns, name, tagutils.ComponentRole)); err != nil {
			return "", err
		}
		if !role.OwnedBy(ns, name) {
			return "", fmt.Errorf("%w: IAM role %s", ErrNotOwned, roleName)
		}
		plan.Status.Record(plans.ResourceRole, lo.FromPtr(role.Arn), plans.ActionCreate)
	}

	switch {
	case role != nil && role.HasPolicy(policyARN):
		plan.Status.Record(plans.ResourceRolePolicyAttachment, policyARN, plans.ActionNoop)
	case dryRun:
		plan.Status.Record(plans.ResourceRolePolicyAttachment, policyARN, plans.ActionCreate)
	default:
		if err := h.roleWatcher.AttachPolicy(ctx, role, policyARN); err != nil {
			return "", err
		}
		plan.Status.Record(plans.ResourceRolePolicyAttachment, policyARN, plans.ActionCreate)
	}
	if role != nil {
		plan.Status.Role = *role
	}

	log.Debug("Resolving IAM instance profile", "profile", profileName)
	profile, err := h.roleWatcher.GetInstanceProfile(ctx, profileName)
	if err != nil {
		return "", err
	}
	switch {
	case profile != nil:
		if !profile.OwnedBy(ns, name) {
			return "", fmt.Errorf("%w: IAM instance profile %s", ErrNotOwned, profileName)
		}
		plan.Status.Record(plans.ResourceInstanceProfile, lo.FromPtr(profile.Arn), plans.ActionNoop)
	case dryRun:
		plan.Status.Record(plans.ResourceInstanceProfile, profileName, plans.ActionCreate)
	default:
		if profile, err = h.roleWatcher.CreateInstanceProfile(ctx, profileName, tagutils.ComponentTags(ns, name, tagutils.ComponentProfile)); err != nil {
			return "", err
		}
		if !profile.OwnedBy(ns, name) {
			return "", fmt.Errorf("%w: IAM instance profile %s", ErrNotOwned, profileName)
		}
		plan.Status.Record(plans.ResourceInstanceProfile, lo.FromPtr(profile.Arn), plans.ActionCreate)
	}

	switch {
	case profile != nil && profile.HasRole(roleName):
		plan.Status.Record(plans.ResourceInstanceProfileRole, roleName, plans.ActionNoop)
	case profile != nil && len(profile.Roles) > 0:
		return "", fmt.Errorf("%w: instance profile %s wraps %s, want %s", ErrDrift, profileName, lo.FromPtr(profile.Roles[0].RoleName), roleName)
	case dryRun:
		plan.Status.Record(plans.ResourceInstanceProfileRole, roleName, plans.ActionCreate)
	default:
		if err := h.roleWatcher.AddRole(ctx, profile, *role); err != nil {
			return "", err
		}
		plan.Status.Record(plans.ResourceInstanceProfileRole, roleName, plans.ActionCreate)
	}
	if profile == nil {
		return "", nil
	}
	plan.Status.InstanceProfile = *profile
	return lo.FromPtr(profile.Arn), nil
}

// applyInstance launches the instance, or replaces it when its type, subnet, AMI, or user data changed
func (h AWSHost) applyInstance(ctx context.Context, dryRun bool, plan *plans.DeploymentPlan, subnetID, profileARN, script string) error {
	log := logging.FromContext(ctx)
	ns, name := plan.Metadata.Namespace, plan.Metadata.Name
	spec := plan.Spec.Instance
	hash := userDataHash(script)
	tags := tagutils.MergeTags(tagutils.ComponentTags(ns, name, tagutils.ComponentInstance), map[string]string{
		tagutils.UserDataHashKey: hash,
	})

	log.Debug("Resolving instance")
	found, err := h.instanceWatcher.Resolve(ctx, []instances.Selector{{
		Tags:   tagutils.ComponentTags(ns, name, tagutils.ComponentInstance),
		States: instances.LiveStates,
	}})
	if err != nil {
		return err
	}
	existing, err := single(plans.ResourceInstance, found)
	if err != nil {
		return err
	}
	if existing != nil {
		id := lo.FromPtr(existing.InstanceId)
		if !instanceDrifted(*existing, spec.InstanceType, subnetID, lo.FromPtr(plan.Status.AMI.ImageId), hash) {
			plan.Status.Record(plans.ResourceInstance, id, plans.ActionNoop)
			if existing.State != nil && existing.State.Name == ec2types.InstanceStateNamePending && !dryRun {
				if existing, err = h.instanceWatcher.WaitRunning(ctx, id, h.waitTimeout); err != nil {
					return err
				}
			}
			plan.Status.Instance = *existing
			return nil
		}
		plan.Status.Record(plans.ResourceInstance, id, plans.ActionReplace)
		if dryRun {
			return nil
		}
		log.Debug("Replacing instance", "instance-id", id)
		if err := h.instanceWatcher.Terminate(ctx, id); err != nil {
			return err
		}
		if err := h.instanceWatcher.WaitTerminated(ctx, id, h.waitTimeout); err != nil {
			return err
		}
	} else if dryRun {
		plan.Status.Record(plans.ResourceInstance, "", plans.ActionCreate)
		return nil
	}

	log.Debug("Launching instance", "instance-type", spec.InstanceType, "subnet", subnetID)
	launched, err := h.instanceWatcher.Launch(ctx, instances.LaunchOptions{
		AMIID:               lo.FromPtr(plan.Status.AMI.ImageId),
		InstanceType:        spec.InstanceType,
		SubnetID:            subnetID,
		InstanceProfileARN:  profileARN,
		RootDeviceName:      lo.FromPtr(plan.Status.AMI.RootDeviceName),
		RootVolumeGiB:       spec.RootVolumeSize.VolumeGiB(),
		RootVolumeType:      spec.RootVolumeType,
		DeleteOnTermination: spec.DeleteOnTermination,
		UserData:            script,
		Tags:                tags,
	})
	if err != nil {
		return err
	}
	if existing == nil {
		plan.Status.Record(plans.ResourceInstance, lo.FromPtr(launched.InstanceId), plans.ActionCreate)
	}
	log.Debug("Waiting for instance to run", "instance-id", lo.FromPtr(launched.InstanceId))
	running, err := h.instanceWatcher.WaitRunning(ctx, lo.FromPtr(launched.InstanceId), h.waitTimeout)
	if err != nil {
		plan.Status.Instance = *launched
		return err
	}
	plan.Status.Instance = *running
	return nil
}

func instanceDrifted(instance instances.Instance, instanceType, subnetID, amiID, hash string) bool {
	tags := tagutils.EC2TagsToMap(instance.Tags)
	return string(instance.InstanceType) != instanceType ||
		lo.FromPtr(instance.SubnetId) != subnetID ||
		lo.FromPtr(instance.ImageId) != amiID ||
		tags[tagutils.UserDataHashKey] != hash
}

func userDataHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])[:16]
}
