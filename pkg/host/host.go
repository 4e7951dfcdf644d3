package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/providers/amis"
	"github.com/bwagner5/vllmhost/pkg/providers/azs"
	"github.com/bwagner5/vllmhost/pkg/providers/commands"
	"github.com/bwagner5/vllmhost/pkg/providers/identities"
	"github.com/bwagner5/vllmhost/pkg/providers/igws"
	"github.com/bwagner5/vllmhost/pkg/providers/instances"
	"github.com/bwagner5/vllmhost/pkg/providers/instancetypes"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/providers/routetables"
	"github.com/bwagner5/vllmhost/pkg/providers/secrets"
	"github.com/bwagner5/vllmhost/pkg/providers/subnets"
	"github.com/bwagner5/vllmhost/pkg/providers/vpcs"
)

var (
	// ErrDrift is returned when an existing resource differs from the desired state in a way that can not be updated in place
	ErrDrift = errors.New("existing resource does not match the desired state")
	// ErrAmbiguous is returned when more than one resource carries the tags of a single component
	ErrAmbiguous = errors.New("found more than one resource for a component")
	ErrNotFound  = errors.New("not found")
	// ErrNotOwned is returned when a resource with a derived name exists but belongs to another deployment or was not created by this tool
	ErrNotOwned = errors.New("resource is not owned by this deployment")
	// ErrBootstrapStatusUnavailable is returned when the status file could not be read from the instance
	ErrBootstrapStatusUnavailable = errors.New("bootstrap status unavailable")
)

// EC2API is the subset of the EC2 client used by every EC2 watcher
type EC2API interface {
	vpcs.SDKVPCsOps
	subnets.SDKSubnetsOps
	igws.SDKIGWOps
	routetables.SDKRouteTablesOps
	azs.SDKAvailabilityZoneOps
	amis.SDKImageOps
	instances.SDKInstancesOps
}

type SSMAPI interface {
	amis.SDKSSMOps
	secrets.SDKSSMOps
	commands.SDKSSMOps
}

// APIs are the AWS clients a host is driven through
type APIs struct {
	EC2            EC2API
	IAM            roles.SDKIAMOps
	SSM            SSMAPI
	SecretsManager secrets.SDKSecretsManagerOps
	STS            identities.SDKSTSOps
}

// AWSHost provisions, reports on, and tears down a single GPU inference host
type AWSHost struct {
	region              string
	vpcWatcher          vpcs.Watcher
	subnetWatcher       subnets.Watcher
	azWatcher           azs.Watcher
	igwWatcher          igws.Watcher
	routeTableWatcher   routetables.Watcher
	roleWatcher         roles.Watcher
	amiWatcher          amis.Watcher
	instanceTypeWatcher instancetypes.Watcher
	instanceWatcher     instances.Watcher
	identityWatcher     identities.Watcher
	commandWatcher      commands.Watcher
	secretResolver      secrets.Resolver

	waitTimeout   time.Duration
	statusTimeout time.Duration
	deleteRetry   retryPolicy
}

// retryPolicy bounds how often a delete is retried while a dependent resource drains
type retryPolicy struct {
	attempts int
	delay    time.Duration
}

func New(ctx context.Context, awsCfg aws.Config) (AWSHost, error) {
	instanceTypeWatcher, err := instancetypes.NewWatcher(ctx, awsCfg)
	if err != nil {
		return AWSHost{}, err
	}
	h := NewFromAPIs(awsCfg.Region, APIs{
		EC2:            ec2.NewFromConfig(awsCfg),
		IAM:            iam.NewFromConfig(awsCfg),
		SSM:            ssm.NewFromConfig(awsCfg),
		SecretsManager: secretsmanager.NewFromConfig(awsCfg),
		STS:            sts.NewFromConfig(awsCfg),
	}, instanceTypeWatcher)
	return h, nil
}

func NewFromAPIs(region string, apis APIs, instanceTypeWatcher instancetypes.Watcher) AWSHost {
	return AWSHost{
		region:              region,
		vpcWatcher:          vpcs.NewWatcher(apis.EC2),
		subnetWatcher:       subnets.NewWatcher(apis.EC2),
		azWatcher:           azs.NewWatcher(apis.EC2),
		igwWatcher:          igws.NewWatcher(apis.EC2),
		routeTableWatcher:   routetables.NewWatcher(apis.EC2),
		roleWatcher:         roles.NewWatcher(apis.IAM),
		amiWatcher:          amis.NewWatcher(apis.EC2, apis.SSM),
		instanceTypeWatcher: instanceTypeWatcher,
		instanceWatcher:     instances.NewWatcher(apis.EC2),
		identityWatcher:     identities.NewWatcher(apis.STS),
		commandWatcher:      commands.NewWatcher(apis.SSM),
		secretResolver:      secrets.NewResolver(apis.SSM, apis.SecretsManager),
		waitTimeout:         10 * time.Minute,
		statusTimeout:       2 * time.Minute,
		// network interfaces of a terminated instance can hold a subnet for several minutes
		deleteRetry: retryPolicy{attempts: 30, delay: 10 * time.Second},
	}
}

// WithLaunchRetry changes how long a launch waits for a new instance profile to propagate
func (h AWSHost) WithLaunchRetry(attempts int, delay time.Duration) AWSHost {
	h.instanceWatcher = h.instanceWatcher.WithLaunchRetry(attempts, delay)
	return h
}

// WithTimeouts changes how long the host waits on instance state changes and status commands
func (h AWSHost) WithTimeouts(wait, status time.Duration) AWSHost {
	h.waitTimeout = wait
	h.statusTimeout = status
	return h
}

// WithDeleteRetry changes how often a delete that hits a dependency violation is retried
func (h AWSHost) WithDeleteRetry(attempts int, delay time.Duration) AWSHost {
	h.deleteRetry = retryPolicy{attempts: attempts, delay: delay}
	return h
}

// Region is the region every API client of the host is bound to
func (h AWSHost) Region() string {
	return h.region
}

// ownedIdentity returns the role and instance profile of namespace/name.
// Either is nil when it does not exist or when a resource under the derived name belongs to someone else.
func (h AWSHost) ownedIdentity(ctx context.Context, namespace, name string) (*roles.Role, *roles.InstanceProfile, error) {
	log := logging.FromContext(ctx)
	roleName, profileName := roles.Names(namespace, name)
	role, err := h.roleWatcher.GetRole(ctx, roleName)
	if err != nil {
		return nil, nil, err
	}
	if role != nil && !role.OwnedBy(namespace, name) {
		log.Warn("Ignoring IAM role that is not tagged for this deployment", "role", roleName)
		role = nil
	}
	profile, err := h.roleWatcher.GetInstanceProfile(ctx, profileName)
	if err != nil {
		return nil, nil, err
	}
	if profile != nil && !profile.OwnedBy(namespace, name) {
		log.Warn("Ignoring IAM instance profile that is not tagged for this deployment", "profile", profileName)
		profile = nil
	}
	return role, profile, nil
}

// single returns the only element of found, nil when found is empty, or ErrAmbiguous
func single[T any](resource string, found []T) (*T, error) {
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("%w: %d %s resources", ErrAmbiguous, len(found), resource)
	}
}
