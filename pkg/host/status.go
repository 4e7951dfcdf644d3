package host

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
	"github.com/bwagner5/vllmhost/pkg/userdata"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

// Outputs looks up the deployment's resources without changing anything and returns their identifiers.
// Resources that do not exist are left empty.
func (h AWSHost) Outputs(ctx context.Context, namespace, name string) (plans.Outputs, error) {
	log := logging.FromContext(ctx)
	var status plans.DeploymentStatus

	identity, err := h.identityWatcher.Resolve(ctx)
	if err != nil {
		return plans.Outputs{}, err
	}
	status.Account = identity.Account

	log.Debug("Resolving VPC")
	vpcList, err := h.vpcWatcher.Resolve(ctx, []vpcs.Selector{{Tags: tagutils.ComponentTags(namespace, name, tagutils.ComponentVPC)}})
	if err != nil {
		return plans.Outputs{}, err
	}
	vpc, err := single(plans.ResourceVPC, vpcList)
	if err != nil {
		return plans.Outputs{}, err
	}
	if vpc == nil {
		return plans.Outputs{}, fmt.Errorf("%w: no vpc for %s/%s", ErrNotFound, namespace, name)
	}
	status.VPC = *vpc

	log.Debug("Resolving Subnets")
	subnetList, err := h.subnetWatcher.Resolve(ctx, []subnets.Selector{{
		Tags:  tagutils.NamespacedTags(namespace, name),
		VPCID: lo.FromPtr(vpc.VpcId),
	}})
	if err != nil {
		return plans.Outputs{}, err
	}
	for _, subnet := range subnetList {
		switch tagutils.EC2TagsToMap(subnet.Tags)[tagutils.ComponentKey] {
		case tagutils.ComponentPublicSubnet:
			status.PublicSubnet = subnet
		case tagutils.ComponentPrivateSubnet:
			status.PrivateSubnet = subnet
		}
	}

	instance, err := h.liveInstance(ctx, namespace, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return plans.Outputs{}, err
	}
	if instance != nil {
		status.Instance = *instance
	}

	role, profile, err := h.ownedIdentity(ctx, namespace, name)
	if err != nil {
		return plans.Outputs{}, err
	}
	if role != nil {
		status.Role = *role
	}
	if profile != nil {
		status.InstanceProfile = *profile
	}
	return status.Outputs(), nil
}

// BootstrapStatus reads the progress the bootstrap script recorded on the instance through SSM Run Command
func (h AWSHost) BootstrapStatus(ctx context.Context, namespace, name string) (userdata.Status, error) {
	instance, err := h.liveInstance(ctx, namespace, name)
	if err != nil {
		return userdata.Status{}, err
	}
	instanceID := lo.FromPtr(instance.InstanceId)
	logging.FromContext(ctx).Debug("Reading bootstrap status", "instance-id", instanceID)
	invocation, err := h.commandWatcher.Run(ctx, instanceID, []string{"cat " + userdata.StatusPath}, h.statusTimeout)
	if err != nil {
		return userdata.Status{}, fmt.Errorf("%w: %w", ErrBootstrapStatusUnavailable, err)
	}
	if !invocation.Succeeded() {
		return userdata.Status{}, fmt.Errorf("%w: reading %s on %s ended %s: %s", ErrBootstrapStatusUnavailable,
			userdata.StatusPath, instanceID, invocation.Status, strings.TrimSpace(invocation.Stderr))
	}
	return userdata.ParseStatus([]byte(invocation.Stdout))
}

func (h AWSHost) liveInstance(ctx context.Context, namespace, name string) (*instances.Instance, error) {
	found, err := h.instanceWatcher.Resolve(ctx, []instances.Selector{{
		Tags:   tagutils.ComponentTags(namespace, name, tagutils.ComponentInstance),
		States: instances.LiveStates,
	}})
	if err != nil {
		return nil, err
	}
	instance, err := single(plans.ResourceInstance, found)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: no instance for %s/%s", ErrNotFound, namespace, name)
	}
	return instance, nil
}
