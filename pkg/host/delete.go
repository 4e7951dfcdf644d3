package host

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/providers/routetables"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// DeletionPlan constructs a plan of all resources that should be deleted.
// The DeletionPlan can be confirmed by the user and then passed to the Delete func for actual deletion.
func (h AWSHost) DeletionPlan(ctx context.Context, namespace, name string) (plans.DeletionPlan, error) {
	log := logging.FromContext(ctx)
	log.Debug("Constructing a deletion plan")
	deletionPlan := plans.DeletionPlan{
		Metadata: plans.DeletionMetadata{
			Namespace: namespace,
			Name:      name,
		},
		Status: plans.NewDeletionStatus(),
	}
	tags := tagutils.NamespacedTags(namespace, name)

	log.Debug("Resolving EC2 Instances")
	instanceList, err := h.instanceWatcher.Resolve(ctx, []instances.Selector{{
		Tags:   tags,
		States: instances.LiveStates,
	}})
	if err != nil {
		return deletionPlan, err
	}
	deletionPlan.Spec.Instances = instanceList

	log.Debug("Resolving IAM Role and Instance Profile")
	role, profile, err := h.ownedIdentity(ctx, namespace, name)
	if err != nil {
		return deletionPlan, err
	}
	if profile != nil {
		deletionPlan.Spec.InstanceProfiles = []roles.InstanceProfile{*profile}
	}
	if role != nil {
		deletionPlan.Spec.Roles = []roles.Role{*role}
	}

	log.Debug("Resolving Route Tables")
	routeTables, err := h.routeTableWatcher.Resolve(ctx, []routetables.Selector{{Tags: tags}})
	if err != nil {
		return deletionPlan, err
	}
	deletionPlan.Spec.RouteTables = routeTables

	log.Debug("Resolving Internet Gateways")
	internetGateways, err := h.igwWatcher.Resolve(ctx, []igws.Selector{{Tags: tags}})
	if err != nil {
		return deletionPlan, err
	}
	deletionPlan.Spec.InternetGateways = internetGateways

	log.Debug("Resolving Subnets")
	subnetList, err := h.subnetWatcher.Resolve(ctx, []subnets.Selector{{Tags: tags}})
	if err != nil {
		return deletionPlan, err
	}
	deletionPlan.Spec.Subnets = subnetList

	log.Debug("Resolving VPCs")
	vpcList, err := h.vpcWatcher.Resolve(ctx, []vpcs.Selector{{Tags: tags}})
	if err != nil {
		return deletionPlan, err
	}
	deletionPlan.Spec.VPCs = vpcList

	log.Debug("Deletion Plan construction completed")
	return deletionPlan, nil
}

// Delete executes a DeletionPlan. It is idempotent by keeping track of deletions in the DeletionPlan.Status.
// A resource that is already gone counts as deleted.
func (h AWSHost) Delete(ctx context.Context, deletionPlan plans.DeletionPlan) (plans.DeletionPlan, error) {
	log := logging.FromContext(ctx)
	log.Debug("Executing Deletion Plan")
	if deletionPlan.Status.Instances == nil {
		deletionPlan.Status = plans.NewDeletionStatus()
	}

	log.Debug("Terminating EC2 instances...")
	if err := deleteAll(ctx, "instance-id", deletionPlan.Spec.Instances, deletionPlan.Status.Instances, h.deleteRetry,
		func(i instances.Instance) string { return lo.FromPtr(i.InstanceId) },
		func(ctx context.Context, i instances.Instance) error {
			id := lo.FromPtr(i.InstanceId)
			if err := h.instanceWatcher.Terminate(ctx, id); err != nil {
				return err
			}
			// network interfaces hold the subnets until the instance is gone
			return h.instanceWatcher.WaitTerminated(ctx, id, h.waitTimeout)
		}); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting IAM Instance Profiles...")
	if err := deleteAll(ctx, "instance-profile", deletionPlan.Spec.InstanceProfiles, deletionPlan.Status.InstanceProfiles, h.deleteRetry,
		func(p roles.InstanceProfile) string { return lo.FromPtr(p.InstanceProfileName) },
		h.roleWatcher.DeleteInstanceProfile); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting IAM Roles...")
	if err := deleteAll(ctx, "role", deletionPlan.Spec.Roles, deletionPlan.Status.Roles, h.deleteRetry,
		func(r roles.Role) string { return lo.FromPtr(r.RoleName) },
		h.roleWatcher.DeleteRole); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting Route Tables...")
	if err := deleteAll(ctx, "route-table-id", deletionPlan.Spec.RouteTables, deletionPlan.Status.RouteTables, h.deleteRetry,
		func(rt routetables.RouteTable) string { return lo.FromPtr(rt.RouteTableId) },
		h.routeTableWatcher.Delete); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting Internet Gateways...")
	if err := deleteAll(ctx, "internet-gateway-id", deletionPlan.Spec.InternetGateways, deletionPlan.Status.InternetGateways, h.deleteRetry,
		func(igw igws.InternetGateway) string { return lo.FromPtr(igw.InternetGatewayId) },
		h.igwWatcher.Delete); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting Subnets...")
	if err := deleteAll(ctx, "subnet-id", deletionPlan.Spec.Subnets, deletionPlan.Status.Subnets, h.deleteRetry,
		func(s subnets.Subnet) string { return lo.FromPtr(s.SubnetId) },
		func(ctx context.Context, s subnets.Subnet) error { return h.subnetWatcher.Delete(ctx, lo.FromPtr(s.SubnetId)) }); err != nil {
		return deletionPlan, err
	}

	log.Debug("Deleting VPCs...")
	if err := deleteAll(ctx, "vpc-id", deletionPlan.Spec.VPCs, deletionPlan.Status.VPCs, h.deleteRetry,
		func(v vpcs.VPC) string { return lo.FromPtr(v.VpcId) },
		func(ctx context.Context, v vpcs.VPC) error { return h.vpcWatcher.Delete(ctx, lo.FromPtr(v.VpcId)) }); err != nil {
		return deletionPlan, err
	}
	log.Debug("Deletion Plan Completed Successfully")
	return deletionPlan, nil
}

// deleteAll deletes every resource not yet marked in status and marks it.
// A delete that fails on a dependency violation is retried per retry.
func deleteAll[T any](ctx context.Context, key string, resources []T, status map[string]bool, retry retryPolicy, id func(T) string, del func(context.Context, T) error) error {
	log := logging.FromContext(ctx)
	for _, resource := range resources {
		resourceID := id(resource)
		if status[resourceID] {
			log.Debug("Already deleted, skipping", key, resourceID)
			continue
		}
		if err := retry.do(ctx, func() error { return del(ctx, resource) }); err != nil && !ec2utils.IsNotFoundErr(err) {
			return err
		}
		log.Debug("Deleted", key, resourceID)
		status[resourceID] = true
	}
	return nil
}

func (r retryPolicy) do(ctx context.Context, f func() error) error {
	for attempt := 1; ; attempt++ {
		err := f()
		if !ec2utils.IsDependencyViolationErr(err) || attempt >= r.attempts {
			return err
		}
		logging.FromContext(ctx).Debug("Dependency still in use, retrying delete", "attempt", attempt, "delay", r.delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
}
