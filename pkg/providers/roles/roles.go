package roles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gosimple/slug"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/utils/ec2utils"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

const (
	// SSMManagedInstanceCorePolicyARN lets the SSM agent register the instance for Session Manager and Run Command
	SSMManagedInstanceCorePolicyARN = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

	iamPolicyVersion    = "2012-10-17"
	iamEffectAllow      = "Allow"
	awsServiceEC2       = "ec2.amazonaws.com"
	stsActionAssumeRole = "sts:AssumeRole"

	roleDescription = "SSM managed GPU inference host"
	// keeps "<slug>-<hash>-instance-profile" inside the 64 character IAM name limit
	maxNameSlugLength = 38
	nameHashLength    = 8
)

var (
	ErrRoleCreate                = errors.New("failed to create IAM role")
	ErrRoleAttachPolicy          = errors.New("failed to attach policy to IAM role")
	ErrRoleDetachPolicy          = errors.New("failed to detach policy from IAM role")
	ErrRoleDelete                = errors.New("failed to delete IAM role")
	ErrInstanceProfileCreate     = errors.New("failed to create IAM instance profile")
	ErrInstanceProfileAddRole    = errors.New("failed to add role to instance profile")
	ErrInstanceProfileRemoveRole = errors.New("failed to remove role from instance profile")
	ErrInstanceProfileDelete     = errors.New("failed to delete IAM instance profile")
)

// Watcher finds, creates, and deletes the IAM role and instance profile of a host
type Watcher struct {
	iamAPI SDKIAMOps
}

// SDKIAMOps is the subset of the IAM client used by the Watcher
type SDKIAMOps interface {
	iam.ListAttachedRolePoliciesAPIClient
	GetRole(context.Context, *iam.GetRoleInput, ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(context.Context, *iam.CreateRoleInput, ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	DeleteRole(context.Context, *iam.DeleteRoleInput, ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	AttachRolePolicy(context.Context, *iam.AttachRolePolicyInput, ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(context.Context, *iam.DetachRolePolicyInput, ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	GetInstanceProfile(context.Context, *iam.GetInstanceProfileInput, ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	CreateInstanceProfile(context.Context, *iam.CreateInstanceProfileInput, ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	DeleteInstanceProfile(context.Context, *iam.DeleteInstanceProfileInput, ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
	AddRoleToInstanceProfile(context.Context, *iam.AddRoleToInstanceProfileInput, ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
	RemoveRoleFromInstanceProfile(context.Context, *iam.RemoveRoleFromInstanceProfileInput, ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
}

// Role is an IAM role together with the managed policies attached to it
type Role struct {
	iamtypes.Role
	AttachedPolicyARNs []string
}

// OwnedBy reports whether the role carries the tags of the deployment namespace/name
func (r Role) OwnedBy(namespace, name string) bool {
	return tagutils.Owns(tagutils.IAMTagsToMap(r.Tags), namespace, name)
}

// HasPolicy reports whether policyARN is attached to the role
func (r Role) HasPolicy(policyARN string) bool {
	return slices.Contains(r.AttachedPolicyARNs, policyARN)
}

// InstanceProfile represents an IAM instance profile
// This is not the AWS SDK InstanceProfile type, but a wrapper around it so that we can add additional data
type InstanceProfile struct {
	iamtypes.InstanceProfile
}

func (p InstanceProfile) OwnedBy(namespace, name string) bool {
	return tagutils.Owns(tagutils.IAMTagsToMap(p.Tags), namespace, name)
}

// HasRole reports whether the profile wraps roleName
func (p InstanceProfile) HasRole(roleName string) bool {
	return lo.ContainsBy(p.Roles, func(r iamtypes.Role) bool { return lo.FromPtr(r.RoleName) == roleName })
}

// Names derives the role and instance profile names of a host from its namespace and name.
// The slug keeps names readable and the hash of the exact pair keeps deployments whose slugs collide apart.
func Names(namespace, name string) (roleName string, profileName string) {
	base := slug.Make(fmt.Sprintf("%s-%s", namespace, name))
	if len(base) > maxNameSlugLength {
		base = strings.TrimRight(base[:maxNameSlugLength], "-")
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s/%s", len(namespace), namespace, name)))
	base = fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:])[:nameHashLength])
	return base + "-ssm-role", base + "-instance-profile"
}

// TrustPolicy returns the assume role policy document that only lets EC2 assume the role
func TrustPolicy() (string, error) {
	trustPolicy := map[string]any{
		"Version": iamPolicyVersion,
		"Statement": []map[string]any{
			{
				"Effect": iamEffectAllow,
				"Principal": map[string]any{
					"Service": awsServiceEC2,
				},
				"Action": stsActionAssumeRole,
			},
		},
	}
	trustPolicyJSON, err := json.Marshal(trustPolicy)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trust policy: %w", err)
	}
	return string(trustPolicyJSON), nil
}

func NewWatcher(iamAPI SDKIAMOps) Watcher {
	return Watcher{
		iamAPI: iamAPI,
	}
}

// GetRole returns the role and its attached policies, or nil when it does not exist
func (w Watcher) GetRole(ctx context.Context, roleName string) (*Role, error) {
	out, err := w.iamAPI.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	if ec2utils.IsNotFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get IAM role %s: %w", roleName, err)
	}
	role := &Role{Role: *out.Role}
	pager := iam.NewListAttachedRolePoliciesPaginator(w.iamAPI, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list policies attached to %s: %w", roleName, err)
		}
		role.AttachedPolicyARNs = append(role.AttachedPolicyARNs, lo.Map(page.AttachedPolicies, func(p iamtypes.AttachedPolicy, _ int) string {
			return lo.FromPtr(p.PolicyArn)
		})...)
	}
	return role, nil
}

// CreateRole creates a role that EC2 instances can assume.
// A role created concurrently under the same name is returned instead; callers check its ownership.
func (w Watcher) CreateRole(ctx context.Context, roleName string, tags map[string]string) (*Role, error) {
	trustPolicy, err := TrustPolicy()
	if err != nil {
		return nil, err
	}
	out, err := w.iamAPI.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(trustPolicy),
		Description:              aws.String(roleDescription),
		Tags:                     tagutils.IAMTags(tags),
	})
	if ec2utils.IsAlreadyExistsErr(err) {
		logging.FromContext(ctx).Debug("IAM role already exists, reusing it", "role", roleName)
		role, err := w.GetRole(ctx, roleName)
		if err == nil && role == nil {
			return nil, fmt.Errorf("%w %s: deleted while it was being created", ErrRoleCreate, roleName)
		}
		return role, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrRoleCreate, roleName, err)
	}
	logging.FromContext(ctx).Debug("created IAM role", "role", roleName, "arn", lo.FromPtr(out.Role.Arn))
	return &Role{Role: *out.Role}, nil
}

// AttachPolicy attaches a managed policy and records it on role
func (w Watcher) AttachPolicy(ctx context.Context, role *Role, policyARN string) error {
	if _, err := w.iamAPI.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  role.RoleName,
		PolicyArn: aws.String(policyARN),
	}); err != nil {
		return fmt.Errorf("%w %s: %w", ErrRoleAttachPolicy, policyARN, err)
	}
	role.AttachedPolicyARNs = append(role.AttachedPolicyARNs, policyARN)
	return nil
}

// GetInstanceProfile returns the instance profile, or nil when it does not exist
func (w Watcher) GetInstanceProfile(ctx context.Context, profileName string) (*InstanceProfile, error) {
	out, err := w.iamAPI.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(profileName)})
	if ec2utils.IsNotFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get IAM instance profile %s: %w", profileName, err)
	}
	return &InstanceProfile{*out.InstanceProfile}, nil
}

// CreateInstanceProfile creates an empty instance profile, or returns the one that already exists under profileName
func (w Watcher) CreateInstanceProfile(ctx context.Context, profileName string, tags map[string]string) (*InstanceProfile, error) {
	out, err := w.iamAPI.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
		Tags:                tagutils.IAMTags(tags),
	})
	if ec2utils.IsAlreadyExistsErr(err) {
		logging.FromContext(ctx).Debug("IAM instance profile already exists, reusing it", "profile", profileName)
		profile, err := w.GetInstanceProfile(ctx, profileName)
		if err == nil && profile == nil {
			return nil, fmt.Errorf("%w %s: deleted while it was being created", ErrInstanceProfileCreate, profileName)
		}
		return profile, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInstanceProfileCreate, profileName, err)
	}
	logging.FromContext(ctx).Debug("created IAM instance profile", "profile", profileName, "arn", lo.FromPtr(out.InstanceProfile.Arn))
	return &InstanceProfile{*out.InstanceProfile}, nil
}

// AddRole puts role into the profile and records it on profile
func (w Watcher) AddRole(ctx context.Context, profile *InstanceProfile, role Role) error {
	if _, err := w.iamAPI.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: profile.InstanceProfileName,
		RoleName:            role.RoleName,
	}); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInstanceProfileAddRole, lo.FromPtr(profile.InstanceProfileName), err)
	}
	profile.Roles = append(profile.Roles, role.Role)
	return nil
}

// DeleteInstanceProfile removes every role from the profile and deletes it
func (w Watcher) DeleteInstanceProfile(ctx context.Context, profile InstanceProfile) error {
	for _, role := range profile.Roles {
		if _, err := w.iamAPI.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: profile.InstanceProfileName,
			RoleName:            role.RoleName,
		}); err != nil && !ec2utils.IsNotFoundErr(err) {
			return fmt.Errorf("%w %s: %w", ErrInstanceProfileRemoveRole, lo.FromPtr(role.RoleName), err)
		}
	}
	if _, err := w.iamAPI.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
		InstanceProfileName: profile.InstanceProfileName,
	}); err != nil && !ec2utils.IsNotFoundErr(err) {
		return fmt.Errorf("%w %s: %w", ErrInstanceProfileDelete, lo.FromPtr(profile.InstanceProfileName), err)
	}
	return nil
}

// DeleteRole detaches every managed policy and deletes the role
func (w Watcher) DeleteRole(ctx context.Context, role Role) error {
	for _, policyARN := range role.AttachedPolicyARNs {
		if _, err := w.iamAPI.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  role.RoleName,
			PolicyArn: aws.String(policyARN),
		}); err != nil && !ec2utils.IsNotFoundErr(err) {
			return fmt.Errorf("%w %s: %w", ErrRoleDetachPolicy, policyARN, err)
		}
	}
	if _, err := w.iamAPI.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: role.RoleName}); err != nil && !ec2utils.IsNotFoundErr(err) {
		return fmt.Errorf("%w %s: %w", ErrRoleDelete, lo.FromPtr(role.RoleName), err)
	}
	return nil
}
